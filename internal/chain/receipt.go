package chain

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Receipt status values.
const (
	StatusFailed  uint64 = 0
	StatusSuccess uint64 = 1
)

// Receipt is the outcome of an included transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	BlockTime   uint64
	From        common.Address
	To          common.Address
	Status      uint64
	Logs        []*types.Log
	ReturnData  []byte
	RevertData  []byte
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool { return r != nil && r.Status == StatusSuccess }

// LogRecord is the wire form of a log entry.
type LogRecord struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	Index       hexutil.Uint   `json:"logIndex"`
}

// RecordOf converts a log to its wire form.
func RecordOf(l *types.Log) LogRecord {
	topics := make([]common.Hash, len(l.Topics))
	copy(topics, l.Topics)
	return LogRecord{
		Address:     l.Address,
		Topics:      topics,
		Data:        clone(l.Data),
		BlockNumber: hexutil.Uint64(l.BlockNumber),
		TxHash:      l.TxHash,
		Index:       hexutil.Uint(l.Index),
	}
}

// Log converts the record back to a go-ethereum log.
func (r LogRecord) Log() *types.Log {
	topics := make([]common.Hash, len(r.Topics))
	copy(topics, r.Topics)
	return &types.Log{
		Address:     r.Address,
		Topics:      topics,
		Data:        clone(r.Data),
		BlockNumber: uint64(r.BlockNumber),
		TxHash:      r.TxHash,
		Index:       uint(r.Index),
	}
}

// Records converts a slice of logs.
func Records(logs []*types.Log) []LogRecord {
	out := make([]LogRecord, 0, len(logs))
	for _, l := range logs {
		out = append(out, RecordOf(l))
	}
	return out
}

// Logs converts a slice of records.
func Logs(records []LogRecord) []*types.Log {
	out := make([]*types.Log, 0, len(records))
	for _, r := range records {
		out = append(out, r.Log())
	}
	return out
}

type receiptJSON struct {
	TxHash      common.Hash    `json:"transactionHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	BlockTime   hexutil.Uint64 `json:"blockTime"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Status      hexutil.Uint64 `json:"status"`
	Logs        []LogRecord    `json:"logs"`
	ReturnData  hexutil.Bytes  `json:"returnData,omitempty"`
	RevertData  hexutil.Bytes  `json:"revertData,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (r Receipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(receiptJSON{
		TxHash:      r.TxHash,
		BlockNumber: hexutil.Uint64(r.BlockNumber),
		BlockTime:   hexutil.Uint64(r.BlockTime),
		From:        r.From,
		To:          r.To,
		Status:      hexutil.Uint64(r.Status),
		Logs:        Records(r.Logs),
		ReturnData:  r.ReturnData,
		RevertData:  r.RevertData,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Receipt) UnmarshalJSON(data []byte) error {
	var dec receiptJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	*r = Receipt{
		TxHash:      dec.TxHash,
		BlockNumber: uint64(dec.BlockNumber),
		BlockTime:   uint64(dec.BlockTime),
		From:        dec.From,
		To:          dec.To,
		Status:      uint64(dec.Status),
		Logs:        Logs(dec.Logs),
		ReturnData:  dec.ReturnData,
		RevertData:  dec.RevertData,
	}
	return nil
}
