package cib

import (
	"strconv"

	"github.com/google/uuid"

	ierrors "github.com/clusterlabs/cibd/kit/platform/errors"
	"github.com/clusterlabs/cibd/tree"
)

// MessageRoot is the root element of every request, reply and broadcast.
const MessageRoot = "cib-command"

// TypeCIB is the message class of everything cibd sends.
const TypeCIB = "cib"

// Envelope attributes.
const (
	FieldType         = "T"
	FieldSysFrom      = "crm-sys-from"
	FieldSysTo        = "crm-sys-to"
	FieldOrigin       = "origin"
	FieldHostFrom     = "crm-host-from"
	FieldReference    = "reference"
	FieldOp           = "cib-op"
	FieldCallID       = "cib-callid"
	FieldCallOpts     = "cib-callopt"
	FieldRC           = "cib-rc"
	FieldDelegated    = "cib-delegated"
	FieldClientID     = "cib-clientid"
	FieldClientName   = "cib-clientname"
	FieldSection      = "cib-section"
	FieldIsReplyTo    = "cib-isreplyto"
	FieldIsReply      = "cib-is-reply"
	FieldGlobalUpdate = "cib-update"
	FieldSchemaMax    = "cib-schema-max"
	FieldUpgradeRC    = "cib-upgrade-rc"
	FieldPingID       = "cib-ping-id"
	FieldUser         = "cib-user"
	FieldOriginalOp   = "cib-original-op"
	FieldDigest       = "digest"
	FieldFeatureSet   = "crm-feature-set"
	FieldTimeout      = "cib-timeout"
	FieldNotifyType   = "cib-notify-type"
)

// Body elements.
const (
	ElemCallData     = "cib-calldata"
	ElemUpdateResult = "cib-update-result"
)

// SysCIB is the subsystem name used in crm-sys-from and crm-sys-to.
const SysCIB = "cib"

// Message is a request, reply or broadcast: a tree rooted at
// <cib-command> whose attributes form the envelope.
type Message struct {
	doc *tree.Document
}

// OriginReply is the origin of replies.
const OriginReply = "reply"

// NewMessage returns a message for op with a fresh reference. The op is
// recorded as the message's origin.
func NewMessage(op string) *Message {
	m := &Message{doc: tree.New(MessageRoot)}
	root := m.doc.Root()
	root.SetAttr(FieldType, TypeCIB)
	root.SetAttr(FieldSysFrom, SysCIB)
	root.SetAttr(FieldSysTo, SysCIB)
	root.SetAttr(FieldReference, uuid.NewString())
	if op != "" {
		root.SetAttr(FieldOp, op)
		root.SetAttr(FieldOrigin, op)
	}
	return m
}

// WrapMessage treats an already parsed document as a message.
func WrapMessage(doc *tree.Document) (*Message, error) {
	if doc.Root().Name() != MessageRoot {
		return nil, &ierrors.Error{
			Code: ierrors.EInvalid,
			Op:   "cib.WrapMessage",
			Msg:  "unexpected message root <" + doc.Root().Name() + ">",
		}
	}
	return &Message{doc: doc}, nil
}

// ParseMessage decodes a serialized message.
func ParseMessage(b []byte) (*Message, error) {
	doc, err := tree.Parse(b)
	if err != nil {
		return nil, err
	}
	return WrapMessage(doc)
}

// Root returns the <cib-command> element.
func (m *Message) Root() tree.Node { return m.doc.Root() }

// Bytes serializes the message.
func (m *Message) Bytes() []byte { return m.doc.Bytes() }

// Copy returns an independent copy of the message.
func (m *Message) Copy() *Message { return &Message{doc: m.doc.Copy()} }

// Get returns an envelope attribute.
func (m *Message) Get(field string) string { return m.Root().Attr(field) }

// Set sets an envelope attribute. An empty value removes it.
func (m *Message) Set(field, value string) *Message {
	if value == "" {
		m.Root().RemoveAttr(field)
		return m
	}
	m.Root().SetAttr(field, value)
	return m
}

// GetInt returns an integer attribute, 0 when unset or malformed.
func (m *Message) GetInt(field string) int {
	i, _ := strconv.Atoi(m.Get(field))
	return i
}

// SetInt sets an integer attribute.
func (m *Message) SetInt(field string, v int) *Message {
	m.Root().SetAttr(field, strconv.Itoa(v))
	return m
}

// GetBool returns a boolean attribute.
func (m *Message) GetBool(field string) bool {
	b, _ := strconv.ParseBool(m.Get(field))
	return b
}

// SetBool sets a boolean attribute.
func (m *Message) SetBool(field string, v bool) *Message {
	m.Root().SetAttr(field, strconv.FormatBool(v))
	return m
}

// Op returns the requested operation.
func (m *Message) Op() string { return m.Get(FieldOp) }

// CallID returns the caller's call id.
func (m *Message) CallID() int { return m.GetInt(FieldCallID) }

// Options returns the call options.
func (m *Message) Options() CallOptions { return CallOptions(m.GetInt(FieldCallOpts)) }

// SetOptions sets the call options.
func (m *Message) SetOptions(o CallOptions) *Message {
	return m.SetInt(FieldCallOpts, int(o))
}

// Section returns the targeted section or xpath.
func (m *Message) Section() string { return m.Get(FieldSection) }

// ClientID returns the id of the originating client.
func (m *Message) ClientID() string { return m.Get(FieldClientID) }

// Reference returns the unique message reference.
func (m *Message) Reference() string { return m.Get(FieldReference) }

// HostFrom returns the node that sent the message.
func (m *Message) HostFrom() string { return m.Get(FieldHostFrom) }

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool { return m.GetBool(FieldIsReply) }

// RC returns the return code carried by a reply.
func (m *Message) RC() int { return m.GetInt(FieldRC) }

// Err returns the reply's return code as an error.
func (m *Message) Err() error { return ierrors.FromRC(m.RC(), m.Op()) }

// SetErr records err as the reply return code.
func (m *Message) SetErr(err error) *Message { return m.SetInt(FieldRC, ierrors.RC(err)) }

// body returns the named body element, or a zero Node.
func (m *Message) body(name string) tree.Node { return m.Root().FirstChild(name) }

func (m *Message) setBody(name string, content tree.Node) {
	if old := m.body(name); !old.IsZero() {
		old.Remove()
	}
	if content.IsZero() {
		return
	}
	m.Root().AddChild(name).CopyNode(content, -1)
}

// Data returns the request payload or reply output.
func (m *Message) Data() tree.Node { return m.body(ElemCallData).FirstChild("") }

// SetData copies content into the message as its payload.
func (m *Message) SetData(content tree.Node) *Message {
	m.setBody(ElemCallData, content)
	return m
}

// UpdateResult returns the patchset carried by a diff broadcast.
func (m *Message) UpdateResult() tree.Node { return m.body(ElemUpdateResult).FirstChild("") }

// SetUpdateResult copies a patchset into the message.
func (m *Message) SetUpdateResult(diff tree.Node) *Message {
	m.setBody(ElemUpdateResult, diff)
	return m
}

// Reply returns a reply to m carrying the fields a caller needs to match
// it to its request.
func (m *Message) Reply(err error) *Message {
	r := NewMessage(m.Op())
	for _, f := range []string{FieldCallID, FieldClientID, FieldCallOpts, FieldReference, FieldSection, FieldPingID} {
		if v := m.Get(f); v != "" {
			r.Set(f, v)
		}
	}
	r.Set(FieldOrigin, OriginReply)
	r.Set(FieldIsReplyTo, m.HostFrom())
	r.SetBool(FieldIsReply, true)
	r.SetErr(err)
	return r
}
