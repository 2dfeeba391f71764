package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TransferEvent is a decoded ERC-20 Transfer log.
type TransferEvent struct {
	Token string
	From  string
	To    string
	Value *big.Int
}

// DecodeTransferLog decodes l when it is a Transfer event emitted by token.
// Any other log, or a malformed one, yields ok=false.
func DecodeTransferLog(l Log, token string) (TransferEvent, bool) {
	if !strings.EqualFold(l.Address, token) {
		return TransferEvent{}, false
	}
	if len(l.Topics) < 3 || !strings.EqualFold(l.Topics[0], TransferEventTopic) {
		return TransferEvent{}, false
	}
	if len(l.Data) == 0 || len(l.Data) > 32 {
		return TransferEvent{}, false
	}

	return TransferEvent{
		Token: l.Address,
		From:  topicAddress(l.Topics[1]),
		To:    topicAddress(l.Topics[2]),
		Value: new(big.Int).SetBytes(l.Data),
	}, true
}

// NewTransferLog builds the Transfer log token emits when moving value.
func NewTransferLog(token, from, to string, value *big.Int) Log {
	return Log{
		Address: common.HexToAddress(token).Hex(),
		Topics: []string{
			TransferEventTopic,
			common.BytesToHash(common.HexToAddress(from).Bytes()).Hex(),
			common.BytesToHash(common.HexToAddress(to).Bytes()).Hex(),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	}
}

// topicAddress takes the low 20 bytes of an indexed address topic.
func topicAddress(topic string) string {
	return common.HexToAddress(common.HexToHash(topic).Hex()).Hex()
}
