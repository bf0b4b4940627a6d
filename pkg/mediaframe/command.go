package mediaframe

import "fmt"

// Command код команды командного кадра
type Command uint8

const (
	CommandStart     Command = 0x00
	CommandStop      Command = 0x01
	CommandPause     Command = 0x02
	CommandContinue  Command = 0x03
	CommandResetPos  Command = 0x05
	CommandIndex     Command = 0x10
	CommandThumbnail Command = 0x24
)

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "Start"
	case CommandStop:
		return "Stop"
	case CommandPause:
		return "Pause"
	case CommandContinue:
		return "Continue"
	case CommandResetPos:
		return "ResetPos"
	case CommandIndex:
		return "Index"
	case CommandThumbnail:
		return "Thumbnail"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}
