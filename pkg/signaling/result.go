package signaling

import "fmt"

// RegisterResult итог обработки запроса регистрации
type RegisterResult int

const (
	RegisterUnknown RegisterResult = iota
	RegisterTrying
	RegisterForbidden
	RegisterAuthenticated
	RegisterAuthenticationRequired
	RegisterFailed
	RegisterError
	RegisterRequestWithNoUser
	RegisterRemoveAllRegistrations
	RegisterDuplicateRequest
	RegisterAuthenticatedFromCache
	RegisterRequestWithNoContact
	RegisterNonRegisterMethod
	RegisterDomainNotServiced
	RegisterIntervalTooBrief
	RegisterOverloaded
)

var registerResultNames = map[RegisterResult]string{
	RegisterUnknown:                "Unknown",
	RegisterTrying:                 "Trying",
	RegisterForbidden:              "Forbidden",
	RegisterAuthenticated:          "Authenticated",
	RegisterAuthenticationRequired: "AuthenticationRequired",
	RegisterFailed:                 "Failed",
	RegisterError:                  "Error",
	RegisterRequestWithNoUser:      "RequestWithNoUser",
	RegisterRemoveAllRegistrations: "RemoveAllRegistrations",
	RegisterDuplicateRequest:       "DuplicateRequest",
	RegisterAuthenticatedFromCache: "AuthenticatedFromCache",
	RegisterRequestWithNoContact:   "RequestWithNoContact",
	RegisterNonRegisterMethod:      "NonRegisterMethod",
	RegisterDomainNotServiced:      "DomainNotServiced",
	RegisterIntervalTooBrief:       "IntervalTooBrief",
	RegisterOverloaded:             "Overloaded",
}

func (r RegisterResult) String() string {
	if name, ok := registerResultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RegisterResult(%d)", int(r))
}
