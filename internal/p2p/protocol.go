// Package p2p implements the raw framed-TCP peer protocol (spec.md §4.6):
// a fixed message set, a locator-based headers-first sync state machine,
// compact-block relay, and an IP-keyed misbehavior scoreboard.
package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/equinox-chain/eqxd/pkg/block"
	"github.com/equinox-chain/eqxd/pkg/tx"
	"github.com/equinox-chain/eqxd/pkg/types"
)

// ProtocolVersion is the version this node advertises during handshake.
const ProtocolVersion uint32 = 1

// MaxFrameLength is the payload size cap (spec.md §4.6.1); a frame
// claiming a longer payload is a protocol violation and closes the conn.
const MaxFrameLength = 64 * 1024 * 1024

// MessageType is the wire discriminant for a frame's payload.
type MessageType uint8

const (
	MsgVersion MessageType = iota + 1
	MsgVersionAck
	MsgNewBlock
	MsgNewTransaction
	MsgGetHeadersFrom
	MsgHeaders
	MsgGetBlockData
	MsgBlockData
	MsgGetBlock
	MsgGetBlocks
	MsgBlocks
	MsgCompactBlock
	MsgGetTransactions
	MsgTransactionBatch
	MsgGetPeers
	MsgPeers
	MsgPing
	MsgPong
)

func (t MessageType) String() string {
	switch t {
	case MsgVersion:
		return "Version"
	case MsgVersionAck:
		return "VersionAck"
	case MsgNewBlock:
		return "NewBlock"
	case MsgNewTransaction:
		return "NewTransaction"
	case MsgGetHeadersFrom:
		return "GetHeadersFrom"
	case MsgHeaders:
		return "Headers"
	case MsgGetBlockData:
		return "GetBlockData"
	case MsgBlockData:
		return "BlockData"
	case MsgGetBlock:
		return "GetBlock"
	case MsgGetBlocks:
		return "GetBlocks"
	case MsgBlocks:
		return "Blocks"
	case MsgCompactBlock:
		return "CompactBlock"
	case MsgGetTransactions:
		return "GetTransactions"
	case MsgTransactionBatch:
		return "TransactionBatch"
	case MsgGetPeers:
		return "GetPeers"
	case MsgPeers:
		return "Peers"
	case MsgPing:
		return "Ping"
	case MsgPong:
		return "Pong"
	default:
		return fmt.Sprintf("MessageType(%d)", t)
	}
}

// Message is the envelope carried inside every frame.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload variants. Field order and naming follow spec.md §4.6.2.
type VersionPayload struct {
	Version     uint32     `json:"version"`
	BestHeight  uint64     `json:"best_height"`
	BestHash    types.Hash `json:"best_hash"`
	GenesisHash types.Hash `json:"genesis_hash"`
	Timestamp   int64      `json:"timestamp"`
	ListenPort  int        `json:"listen_port"`
}

type NewBlockPayload struct {
	Block *block.Block `json:"block"`
}

type NewTransactionPayload struct {
	Tx *tx.Transaction `json:"tx"`
}

type GetHeadersFromPayload struct {
	Locator []types.Hash `json:"locator"`
	Count   uint32       `json:"count"`
}

type HeadersPayload struct {
	Headers []*block.Header `json:"headers"`
}

type GetBlockDataPayload struct {
	Hashes []types.Hash `json:"hashes"`
}

type BlockDataPayload struct {
	Blocks []*block.Block `json:"blocks"`
}

type GetBlockPayload struct {
	Hash types.Hash `json:"hash"`
}

type GetBlocksPayload struct {
	StartHeight uint64 `json:"start_height"`
	Count       uint32 `json:"count"`
}

type BlocksPayload struct {
	Blocks []*block.Block `json:"blocks"`
}

type CompactBlockPayload struct {
	Header     *block.Header   `json:"header"`
	ShortTxIDs []types.Hash    `json:"short_txids"`
	Coinbase   *tx.Transaction `json:"coinbase"`
}

type GetTransactionsPayload struct {
	WitnessTxIDs []types.Hash `json:"witness_txids"`
}

type TransactionBatchPayload struct {
	Txs []*tx.Transaction `json:"txs"`
}

type PeersPayload struct {
	Addrs []string `json:"addrs"`
}

type PingPongPayload struct {
	Nonce uint64 `json:"nonce"`
}

func encodePayload(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func newMessage(t MessageType, payload any) Message {
	return Message{Type: t, Payload: encodePayload(payload)}
}

// writeFrame writes magic | 4-byte LE length | json(Message) to w.
func writeFrame(w io.Writer, magic uint32, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(body) > MaxFrameLength {
		return fmt.Errorf("frame too large: %d bytes", len(body))
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads and validates one frame, returning its decoded Message.
func readFrame(r io.Reader, wantMagic uint32) (Message, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != wantMagic {
		return Message{}, fmt.Errorf("bad network magic: got %08x want %08x", magic, wantMagic)
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxFrameLength {
		return Message{}, fmt.Errorf("frame length %d exceeds cap", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

func decodePayload[T any](msg Message) (T, error) {
	var v T
	if len(msg.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return v, nil
}
