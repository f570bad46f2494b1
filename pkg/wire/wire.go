// Package wire implements a fixed-shape framed message protocol: a one-byte
// tag at offset 0 followed by the fields of one of five POD message
// variants, encoded in a fixed little-endian layout (the wire is
// local-host-only, but a Go struct's in-memory layout isn't a wire contract
// the way a C struct's is, so encode/decode use explicit byte packing
// instead of unsafe casts).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/r2northstar/ipcsd/pkg/ident"
)

// ProtocolVersion is the wire protocol version carried in every InitMessage.
// The daemon and client must agree; a mismatch is a protocol violation.
const ProtocolVersion uint32 = 1

// MessageID is the one-byte tag at offset 0 of every message.
type MessageID byte

const (
	MessageInit MessageID = iota + 1
	MessageOfferService
	MessageListenService
	MessageStopListenService
	MessageStopOfferService
)

func (id MessageID) String() string {
	switch id {
	case MessageInit:
		return "Init"
	case MessageOfferService:
		return "OfferService"
	case MessageListenService:
		return "ListenService"
	case MessageStopListenService:
		return "StopListenService"
	case MessageStopOfferService:
		return "StopOfferService"
	default:
		return "Unknown"
	}
}

// BindingType is the closed enum of binding planes carried in InitMessage.
type BindingType byte

const (
	BindingIpc BindingType = iota + 1
	BindingZeroCopy
)

func (b BindingType) String() string {
	switch b {
	case BindingIpc:
		return "Ipc"
	case BindingZeroCopy:
		return "ZeroCopy"
	default:
		return "Unknown"
	}
}

// UnicastAddress names a local IPC endpoint. It is value-compared as a
// whole.
type UnicastAddress struct {
	Domain uint32
	Port   uint32
}

func (a UnicastAddress) String() string {
	return fmt.Sprintf("%d:%d", a.Domain, a.Port)
}

const (
	idSize   = 4 * 4 // ServiceID, InstanceID, MajorVersion, MinorVersion
	addrSize = 4 * 2 // Domain, Port

	sizeInit              = 1 + 4 + 1
	sizeOfferService      = 1 + idSize + addrSize
	sizeListenService     = 1 + idSize
	sizeStopListenService = 1 + idSize
	sizeStopOfferService  = 1 + idSize + addrSize

	// MaxMessageSize is the largest encoded message size for any variant.
	MaxMessageSize = sizeOfferService
)

// ErrMessageCorrupted is returned whenever a received buffer doesn't decode
// to a valid instance of the message variant its tag names: wrong length,
// unknown tag, or (for OfferService/StopOfferService) a provided identifier
// carrying a wildcard field.
var ErrMessageCorrupted = errors.New("wire: message corrupted")

// ErrMessageTooLarge names an outbound message over a transport's maximum
// size. Nothing in this module returns it: pkg/ipc reports that case as
// sderr.ErrMessageSizeMaximum.
var ErrMessageTooLarge = errors.New("wire: message exceeds maximum size")

func putID(b []byte, id ident.ID) {
	binary.LittleEndian.PutUint32(b[0:4], id.ServiceID)
	binary.LittleEndian.PutUint32(b[4:8], id.InstanceID)
	binary.LittleEndian.PutUint32(b[8:12], id.MajorVersion)
	binary.LittleEndian.PutUint32(b[12:16], id.MinorVersion)
}

func getID(b []byte) ident.ID {
	return ident.ID{
		ServiceID:    binary.LittleEndian.Uint32(b[0:4]),
		InstanceID:   binary.LittleEndian.Uint32(b[4:8]),
		MajorVersion: binary.LittleEndian.Uint32(b[8:12]),
		MinorVersion: binary.LittleEndian.Uint32(b[12:16]),
	}
}

func putAddr(b []byte, a UnicastAddress) {
	binary.LittleEndian.PutUint32(b[0:4], a.Domain)
	binary.LittleEndian.PutUint32(b[4:8], a.Port)
}

func getAddr(b []byte) UnicastAddress {
	return UnicastAddress{
		Domain: binary.LittleEndian.Uint32(b[0:4]),
		Port:   binary.LittleEndian.Uint32(b[4:8]),
	}
}

// InitMessage registers a connection's protocol version and binding plane.
type InitMessage struct {
	Version     uint32
	BindingType BindingType
}

func (m InitMessage) Encode() []byte {
	b := make([]byte, sizeInit)
	b[0] = byte(MessageInit)
	binary.LittleEndian.PutUint32(b[1:5], m.Version)
	b[5] = byte(m.BindingType)
	return b
}

func (m InitMessage) IsValid() bool {
	return m.BindingType == BindingIpc || m.BindingType == BindingZeroCopy
}

func decodeInit(b []byte) (InitMessage, error) {
	if len(b) != sizeInit {
		return InitMessage{}, ErrMessageCorrupted
	}
	m := InitMessage{
		Version:     binary.LittleEndian.Uint32(b[1:5]),
		BindingType: BindingType(b[5]),
	}
	if !m.IsValid() {
		return InitMessage{}, ErrMessageCorrupted
	}
	return m, nil
}

// OfferServiceMessage advertises a concrete service instance at an address.
type OfferServiceMessage struct {
	ID   ident.ID
	Addr UnicastAddress
}

func (m OfferServiceMessage) Encode() []byte {
	b := make([]byte, sizeOfferService)
	b[0] = byte(MessageOfferService)
	putID(b[1:1+idSize], m.ID)
	putAddr(b[1+idSize:], m.Addr)
	return b
}

// IsValid reports whether ID has no wildcard fields, as required of the
// provided form.
func (m OfferServiceMessage) IsValid() bool {
	return m.ID.InstanceID != ident.InstanceAll && m.ID.MinorVersion != ident.MinorAny
}

func decodeOfferService(b []byte) (OfferServiceMessage, error) {
	if len(b) != sizeOfferService {
		return OfferServiceMessage{}, ErrMessageCorrupted
	}
	m := OfferServiceMessage{
		ID:   getID(b[1 : 1+idSize]),
		Addr: getAddr(b[1+idSize:]),
	}
	if !m.IsValid() {
		return OfferServiceMessage{}, ErrMessageCorrupted
	}
	return m, nil
}

// StopOfferServiceMessage retracts a previously offered service instance.
type StopOfferServiceMessage struct {
	ID   ident.ID
	Addr UnicastAddress
}

func (m StopOfferServiceMessage) Encode() []byte {
	b := make([]byte, sizeStopOfferService)
	b[0] = byte(MessageStopOfferService)
	putID(b[1:1+idSize], m.ID)
	putAddr(b[1+idSize:], m.Addr)
	return b
}

func (m StopOfferServiceMessage) IsValid() bool {
	return m.ID.InstanceID != ident.InstanceAll && m.ID.MinorVersion != ident.MinorAny
}

func decodeStopOfferService(b []byte) (StopOfferServiceMessage, error) {
	if len(b) != sizeStopOfferService {
		return StopOfferServiceMessage{}, ErrMessageCorrupted
	}
	m := StopOfferServiceMessage{
		ID:   getID(b[1 : 1+idSize]),
		Addr: getAddr(b[1+idSize:]),
	}
	if !m.IsValid() {
		return StopOfferServiceMessage{}, ErrMessageCorrupted
	}
	return m, nil
}

// ListenServiceMessage subscribes to a (possibly wildcarded) required
// identifier.
type ListenServiceMessage struct {
	ID ident.ID
}

func (m ListenServiceMessage) Encode() []byte {
	b := make([]byte, sizeListenService)
	b[0] = byte(MessageListenService)
	putID(b[1:], m.ID)
	return b
}

func (m ListenServiceMessage) IsValid() bool { return true }

func decodeListenService(b []byte) (ListenServiceMessage, error) {
	if len(b) != sizeListenService {
		return ListenServiceMessage{}, ErrMessageCorrupted
	}
	return ListenServiceMessage{ID: getID(b[1:])}, nil
}

// StopListenServiceMessage cancels a prior ListenService.
type StopListenServiceMessage struct {
	ID ident.ID
}

func (m StopListenServiceMessage) Encode() []byte {
	b := make([]byte, sizeStopListenService)
	b[0] = byte(MessageStopListenService)
	putID(b[1:], m.ID)
	return b
}

func (m StopListenServiceMessage) IsValid() bool { return true }

func decodeStopListenService(b []byte) (StopListenServiceMessage, error) {
	if len(b) != sizeStopListenService {
		return StopListenServiceMessage{}, ErrMessageCorrupted
	}
	return StopListenServiceMessage{ID: getID(b[1:])}, nil
}

// Visitor receives the typed decode result for whichever message tag
// Dispatch found at offset 0. Exactly one hook is called per Dispatch,
// always with either a valid message and a nil error, or a zero message and
// a non-nil error.
type Visitor interface {
	OnInit(m InitMessage, err error)
	OnOfferService(m OfferServiceMessage, err error)
	OnListenService(m ListenServiceMessage, err error)
	OnStopListenService(m StopListenServiceMessage, err error)
	OnStopOfferService(m StopOfferServiceMessage, err error)
	// OnUnknown is called when buf is empty or buf[0] doesn't name any
	// known message id ("message id out of bounds").
	OnUnknown(err error)
}

// Dispatch decodes buf per its tag byte and invokes the matching Visitor
// hook.
func Dispatch(buf []byte, v Visitor) {
	if len(buf) == 0 {
		v.OnUnknown(ErrMessageCorrupted)
		return
	}
	switch MessageID(buf[0]) {
	case MessageInit:
		m, err := decodeInit(buf)
		v.OnInit(m, err)
	case MessageOfferService:
		m, err := decodeOfferService(buf)
		v.OnOfferService(m, err)
	case MessageListenService:
		m, err := decodeListenService(buf)
		v.OnListenService(m, err)
	case MessageStopListenService:
		m, err := decodeStopListenService(buf)
		v.OnStopListenService(m, err)
	case MessageStopOfferService:
		m, err := decodeStopOfferService(buf)
		v.OnStopOfferService(m, err)
	default:
		v.OnUnknown(ErrMessageCorrupted)
	}
}
