package maildoc

import "time"

// Message is what callers work with: a MessageWrapper plus the UID the
// mailbox layer assigned to it (0 when unknown).
type Message interface {
	MessageWrapper
	UID() uint32
}

// MessageClass builds a Message from a wrapper. Applications plug in their
// own type with WithMessageClass or per call.
type MessageClass func(w MessageWrapper, uid uint32) Message

// NewMessage is the default MessageClass.
func NewMessage(w MessageWrapper, uid uint32) Message {
	return &BasicMessage{MessageWrapper: w, uid: uid}
}

// BasicMessage adds header and flag accessors to a wrapper.
type BasicMessage struct {
	MessageWrapper
	uid uint32
}

func (m *BasicMessage) UID() uint32 { return m.uid }

// Subject returns the Subject header, empty without a header document.
func (m *BasicMessage) Subject() string {
	if h := m.HeaderDoc(); h != nil {
		return h.Subject
	}
	return ""
}

func (m *BasicMessage) From() string {
	if h := m.HeaderDoc(); h != nil {
		return h.From
	}
	return ""
}

func (m *BasicMessage) MsgID() string { return m.FlagsDoc().MsgID }

// Date returns the internal date.
func (m *BasicMessage) Date() time.Time { return m.FlagsDoc().Date }

func (m *BasicMessage) Flags() []string { return append([]string(nil), m.FlagsDoc().Flags...) }

func (m *BasicMessage) Tags() []string { return append([]string(nil), m.FlagsDoc().Tags...) }

func (m *BasicMessage) Seen() bool { return m.FlagsDoc().Seen }

func (m *BasicMessage) Recent() bool { return m.FlagsDoc().Recent }

func (m *BasicMessage) Size() int { return m.FlagsDoc().Size }

func (m *BasicMessage) MboxUUID() string { return m.FlagsDoc().MboxUUID }
