package imapengine

// EventType enumerates what a Watcher observed.
type EventType int

const (
	EventNewMail EventType = iota
	EventExpunge
)

func (t EventType) String() string {
	switch t {
	case EventNewMail:
		return "new_mail"
	case EventExpunge:
		return "expunge"
	default:
		return "unknown"
	}
}

// MailEvent is pushed onto a Watcher's event channel from the IDLE
// unilateral-data handler. The inbound pipeline
// treats it as a trigger to run a fetch-new-since cycle on Folder, not as
// message content itself.
type MailEvent struct {
	Type   EventType
	Folder string
	Count  uint32 // EventNewMail: EXISTS count
	SeqNum uint32 // EventExpunge: sequence number
}
