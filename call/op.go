package call

import (
	"github.com/ozontech/wireline/bytebuf"
	"github.com/ozontech/wireline/metadata"
	"github.com/ozontech/wireline/status"
)

type OpCode uint8

const (
	OpSendInitialMetadata OpCode = iota
	OpSendMessage
	OpSendCloseFromClient
	OpSendStatusFromServer
	OpRecvInitialMetadata
	OpRecvMessage
	OpRecvStatusOnClient
	OpRecvCloseOnServer

	opCodes
)

func (c OpCode) String() string {
	switch c {
	case OpSendInitialMetadata:
		return "SEND_INITIAL_METADATA"
	case OpSendMessage:
		return "SEND_MESSAGE"
	case OpSendCloseFromClient:
		return "SEND_CLOSE_FROM_CLIENT"
	case OpSendStatusFromServer:
		return "SEND_STATUS_FROM_SERVER"
	case OpRecvInitialMetadata:
		return "RECV_INITIAL_METADATA"
	case OpRecvMessage:
		return "RECV_MESSAGE"
	case OpRecvStatusOnClient:
		return "RECV_STATUS_ON_CLIENT"
	case OpRecvCloseOnServer:
		return "RECV_CLOSE_ON_SERVER"
	}
	return "OP_UNKNOWN"
}

func (c OpCode) isSend() bool { return c <= OpSendStatusFromServer }

// Op is one operation in a batch. Sends execute in batch order; receives
// bind to the stream's receive pipeline and complete as data arrives.
type Op struct {
	Code  OpCode
	Flags uint32 // резерв; ненулевые флаги отклоняются

	// send fields
	Metadata   metadata.Metadata
	Message    *bytebuf.Buffer
	Compressed bool
	Encoding   string // grpc-encoding для SendInitialMetadata
	Status     status.Status
	Trailing   metadata.Metadata

	// receive destinations
	RecvMetadata  *metadata.Metadata
	RecvMessage   **bytebuf.Buffer
	RecvStatus    *status.Status
	RecvTrailing  *metadata.Metadata
	RecvCancelled *bool
}

func SendInitialMetadata(md metadata.Metadata) Op {
	return Op{Code: OpSendInitialMetadata, Metadata: md}
}

// SendInitialMetadataEncoding additionally declares the grpc-encoding this
// side will compress its messages with.
func SendInitialMetadataEncoding(md metadata.Metadata, encoding string) Op {
	return Op{Code: OpSendInitialMetadata, Metadata: md, Encoding: encoding}
}

func SendMessage(msg *bytebuf.Buffer) Op {
	return Op{Code: OpSendMessage, Message: msg}
}

// SendCompressedMessage sends the message through the declared encoding;
// the message's compressed-flag byte is set on the wire.
func SendCompressedMessage(msg *bytebuf.Buffer) Op {
	return Op{Code: OpSendMessage, Message: msg, Compressed: true}
}

func SendCloseFromClient() Op {
	return Op{Code: OpSendCloseFromClient}
}

func SendStatusFromServer(st status.Status, trailing metadata.Metadata) Op {
	return Op{Code: OpSendStatusFromServer, Status: st, Trailing: trailing}
}

func RecvInitialMetadata(dst *metadata.Metadata) Op {
	return Op{Code: OpRecvInitialMetadata, RecvMetadata: dst}
}

// RecvMessage completes with *dst == nil when the peer half-closed with no
// further message; a present zero-length message yields an empty buffer.
func RecvMessage(dst **bytebuf.Buffer) Op {
	return Op{Code: OpRecvMessage, RecvMessage: dst}
}

func RecvStatusOnClient(st *status.Status, trailing *metadata.Metadata) Op {
	return Op{Code: OpRecvStatusOnClient, RecvStatus: st, RecvTrailing: trailing}
}

func RecvCloseOnServer(cancelled *bool) Op {
	return Op{Code: OpRecvCloseOnServer, RecvCancelled: cancelled}
}
