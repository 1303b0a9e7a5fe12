package main

import "fmt"

// Common (protocol-independent) connection setup shapes. The proxy only ever
// initiates SetupConnection towards the pool, so Success/Error are decoded and
// SetupConnection itself is encoded.
type stratumV2WireSetupConnection struct {
	Protocol        uint8
	MinVersion      uint16
	MaxVersion      uint16
	Flags           uint32
	EndpointHost    string // STR0_255
	EndpointPort    uint16
	Vendor          string // STR0_255
	HardwareVersion string // STR0_255
	Firmware        string // STR0_255
	DeviceID        string // STR0_255
}

type stratumV2WireSetupConnectionSuccess struct {
	UsedVersion uint16
	Flags       uint32
}

type stratumV2WireSetupConnectionError struct {
	Flags     uint32
	ErrorCode string // STR0_255
}

// stratumV2JobNegotiationMessage is the closed set of Job Negotiation
// protocol messages. Only types in this file implement it.
type stratumV2JobNegotiationMessage interface {
	jobNegotiationMsgType() uint8
}

// shortTxID is a SHORT_TX_ID: the low 6 bytes of a SipHash-2-4 output.
type shortTxID [6]byte

type stratumV2WireAllocateMiningJobToken struct {
	UserIdentifier string // STR0_255
	RequestID      uint32
}

type stratumV2WireAllocateMiningJobTokenSuccess struct {
	RequestID                       uint32
	MiningJobToken                  []byte // B0_255
	CoinbaseOutputMaxAdditionalSize uint32
	AsyncMiningAllowed              bool
}

type stratumV2WireCommitMiningJob struct {
	RequestID                uint32
	MiningJobToken           []byte // B0_255
	Version                  uint32
	CoinbaseTxVersion        uint32
	CoinbasePrefix           []byte // B0_255
	CoinbaseTxInputNSequence uint32
	CoinbaseTxValueRemaining uint64
	CoinbaseTxOutputs        []byte // B0_64K
	CoinbaseTxLocktime       uint32
	MinExtranonceSize        uint16
	TxShortHashNonce         uint64
	TxShortHashList          []shortTxID // SEQ0_64K[SHORT_TX_ID]
	TxHashListHash           [32]byte    // U256
	ExcessData               []byte      // B0_64K
}

type stratumV2WireCommitMiningJobSuccess struct {
	RequestID         uint32
	NewMiningJobToken []byte // B0_255
}

type stratumV2WireCommitMiningJobError struct {
	RequestID    uint32
	ErrorCode    string // STR0_255
	ErrorDetails []byte // B0_64K
}

type stratumV2WireIdentifyTransactions struct {
	RequestID uint32
}

type stratumV2WireIdentifyTransactionsSuccess struct {
	RequestID    uint32
	TxDataHashes [][32]byte // SEQ0_64K[U256]
}

type stratumV2WireProvideMissingTransactions struct {
	RequestID             uint32
	UnknownTxPositionList []uint16 // SEQ0_64K[U16]
}

type stratumV2WireProvideMissingTransactionsSuccess struct {
	RequestID       uint32
	TransactionList [][]byte // SEQ0_64K[B0_16M]
}

func (stratumV2WireAllocateMiningJobToken) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeAllocateMiningJobToken
}

func (stratumV2WireAllocateMiningJobTokenSuccess) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeAllocateMiningJobTokenSuccess
}

func (stratumV2WireCommitMiningJob) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeCommitMiningJob
}

func (stratumV2WireCommitMiningJobSuccess) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeCommitMiningJobSuccess
}

func (stratumV2WireCommitMiningJobError) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeCommitMiningJobError
}

func (stratumV2WireIdentifyTransactions) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeIdentifyTransactions
}

func (stratumV2WireIdentifyTransactionsSuccess) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeIdentifyTransactionsSuccess
}

func (stratumV2WireProvideMissingTransactions) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeProvideMissingTransactions
}

func (stratumV2WireProvideMissingTransactionsSuccess) jobNegotiationMsgType() uint8 {
	return stratumV2MsgTypeProvideMissingTransactionsSuccess
}

// jobNegotiationMsgName is used for logs and metric labels.
func jobNegotiationMsgName(msgType uint8) string {
	switch msgType {
	case stratumV2MsgTypeAllocateMiningJobToken:
		return "AllocateMiningJobToken"
	case stratumV2MsgTypeAllocateMiningJobTokenSuccess:
		return "AllocateMiningJobTokenSuccess"
	case stratumV2MsgTypeIdentifyTransactions:
		return "IdentifyTransactions"
	case stratumV2MsgTypeIdentifyTransactionsSuccess:
		return "IdentifyTransactionsSuccess"
	case stratumV2MsgTypeProvideMissingTransactions:
		return "ProvideMissingTransactions"
	case stratumV2MsgTypeProvideMissingTransactionsSuccess:
		return "ProvideMissingTransactionsSuccess"
	case stratumV2MsgTypeCommitMiningJob:
		return "CommitMiningJob"
	case stratumV2MsgTypeCommitMiningJobSuccess:
		return "CommitMiningJobSuccess"
	case stratumV2MsgTypeCommitMiningJobError:
		return "CommitMiningJobError"
	default:
		return fmt.Sprintf("unknown(%#02x)", msgType)
	}
}
