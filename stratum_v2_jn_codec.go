package main

import (
	"fmt"
)

const (
	stratumV2MsgTypeAllocateMiningJobToken            = uint8(0x50)
	stratumV2MsgTypeAllocateMiningJobTokenSuccess     = uint8(0x51)
	stratumV2MsgTypeIdentifyTransactions              = uint8(0x53)
	stratumV2MsgTypeIdentifyTransactionsSuccess       = uint8(0x54)
	stratumV2MsgTypeProvideMissingTransactions        = uint8(0x55)
	stratumV2MsgTypeProvideMissingTransactionsSuccess = uint8(0x56)
	stratumV2MsgTypeCommitMiningJob                   = uint8(0x57)
	stratumV2MsgTypeCommitMiningJobSuccess            = uint8(0x58)
	stratumV2MsgTypeCommitMiningJobError              = uint8(0x59)
)

// encodeStratumV2JobNegotiationPayload serializes one Job Negotiation
// message body (no frame header).
func encodeStratumV2JobNegotiationPayload(msg stratumV2JobNegotiationMessage) ([]byte, error) {
	var w sv2PayloadWriter
	switch m := msg.(type) {
	case stratumV2WireAllocateMiningJobToken:
		w.str0_255("user_identifier", m.UserIdentifier)
		w.u32(m.RequestID)
	case stratumV2WireAllocateMiningJobTokenSuccess:
		w.u32(m.RequestID)
		w.b0_255("mining_job_token", m.MiningJobToken)
		w.u32(m.CoinbaseOutputMaxAdditionalSize)
		w.boolean(m.AsyncMiningAllowed)
	case stratumV2WireCommitMiningJob:
		w.u32(m.RequestID)
		w.b0_255("mining_job_token", m.MiningJobToken)
		w.u32(m.Version)
		w.u32(m.CoinbaseTxVersion)
		w.b0_255("coinbase_prefix", m.CoinbasePrefix)
		w.u32(m.CoinbaseTxInputNSequence)
		w.u64(m.CoinbaseTxValueRemaining)
		w.b0_64k("coinbase_tx_outputs", m.CoinbaseTxOutputs)
		w.u32(m.CoinbaseTxLocktime)
		w.u16(m.MinExtranonceSize)
		w.u64(m.TxShortHashNonce)
		w.seq64k("tx_short_hash_list", len(m.TxShortHashList))
		for _, id := range m.TxShortHashList {
			w.raw(id[:])
		}
		w.u256(m.TxHashListHash)
		w.b0_64k("excess_data", m.ExcessData)
	case stratumV2WireCommitMiningJobSuccess:
		w.u32(m.RequestID)
		w.b0_255("new_mining_job_token", m.NewMiningJobToken)
	case stratumV2WireCommitMiningJobError:
		w.u32(m.RequestID)
		w.str0_255("error_code", m.ErrorCode)
		w.b0_64k("error_details", m.ErrorDetails)
	case stratumV2WireIdentifyTransactions:
		w.u32(m.RequestID)
	case stratumV2WireIdentifyTransactionsSuccess:
		w.u32(m.RequestID)
		w.seq64k("tx_data_hashes", len(m.TxDataHashes))
		for _, h := range m.TxDataHashes {
			w.u256(h)
		}
	case stratumV2WireProvideMissingTransactions:
		w.u32(m.RequestID)
		w.seq64k("unknown_tx_position_list", len(m.UnknownTxPositionList))
		for _, pos := range m.UnknownTxPositionList {
			w.u16(pos)
		}
	case stratumV2WireProvideMissingTransactionsSuccess:
		w.u32(m.RequestID)
		w.seq64k("transaction_list", len(m.TransactionList))
		for _, tx := range m.TransactionList {
			w.b0_16m("transaction", tx)
		}
	default:
		return nil, fmt.Errorf("unsupported job negotiation message %T", msg)
	}
	return w.bytes()
}

// encodeStratumV2JobNegotiationFrame serializes msg with its SV2 frame header.
// Job Negotiation messages are never channel messages.
func encodeStratumV2JobNegotiationFrame(msg stratumV2JobNegotiationMessage) ([]byte, error) {
	payload, err := encodeStratumV2JobNegotiationPayload(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", jobNegotiationMsgName(msg.jobNegotiationMsgType()), err)
	}
	return encodeStratumV2Frame(stratumV2Frame{
		ExtensionType: stratumV2CoreExtensionType,
		MsgType:       msg.jobNegotiationMsgType(),
		Payload:       payload,
	})
}

// decodeStratumV2JobNegotiationMessage classifies a (msg_type, payload) pair
// into one typed variant. Every failure is a *stratumV2FramingError.
func decodeStratumV2JobNegotiationMessage(msgType uint8, payload []byte) (stratumV2JobNegotiationMessage, error) {
	msg, err := decodeStratumV2JobNegotiationPayload(msgType, payload)
	if err != nil {
		return nil, &stratumV2FramingError{MsgType: msgType, Err: err}
	}
	return msg, nil
}

func decodeStratumV2JobNegotiationPayload(msgType uint8, payload []byte) (stratumV2JobNegotiationMessage, error) {
	r := newSV2PayloadReader(payload)
	var msg stratumV2JobNegotiationMessage
	switch msgType {
	case stratumV2MsgTypeAllocateMiningJobToken:
		m := stratumV2WireAllocateMiningJobToken{}
		m.UserIdentifier = r.str0_255("user_identifier")
		m.RequestID = r.u32("request_id")
		msg = m
	case stratumV2MsgTypeAllocateMiningJobTokenSuccess:
		m := stratumV2WireAllocateMiningJobTokenSuccess{}
		m.RequestID = r.u32("request_id")
		m.MiningJobToken = r.b0_255("mining_job_token")
		m.CoinbaseOutputMaxAdditionalSize = r.u32("coinbase_output_max_additional_size")
		m.AsyncMiningAllowed = r.boolean("async_mining_allowed")
		msg = m
	case stratumV2MsgTypeCommitMiningJob:
		m := stratumV2WireCommitMiningJob{}
		m.RequestID = r.u32("request_id")
		m.MiningJobToken = r.b0_255("mining_job_token")
		m.Version = r.u32("version")
		m.CoinbaseTxVersion = r.u32("coinbase_tx_version")
		m.CoinbasePrefix = r.b0_255("coinbase_prefix")
		m.CoinbaseTxInputNSequence = r.u32("coinbase_tx_input_n_sequence")
		m.CoinbaseTxValueRemaining = r.u64("coinbase_tx_value_remaining")
		m.CoinbaseTxOutputs = r.b0_64k("coinbase_tx_outputs")
		m.CoinbaseTxLocktime = r.u32("coinbase_tx_locktime")
		m.MinExtranonceSize = r.u16("min_extranonce_size")
		m.TxShortHashNonce = r.u64("tx_short_hash_nonce")
		if n := r.seq64k("tx_short_hash_list"); n > 0 {
			m.TxShortHashList = make([]shortTxID, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				var id shortTxID
				copy(id[:], r.take("tx_short_hash_list item", len(id)))
				m.TxShortHashList = append(m.TxShortHashList, id)
			}
		}
		m.TxHashListHash = r.u256("tx_hash_list_hash")
		m.ExcessData = r.b0_64k("excess_data")
		msg = m
	case stratumV2MsgTypeCommitMiningJobSuccess:
		m := stratumV2WireCommitMiningJobSuccess{}
		m.RequestID = r.u32("request_id")
		m.NewMiningJobToken = r.b0_255("new_mining_job_token")
		msg = m
	case stratumV2MsgTypeCommitMiningJobError:
		m := stratumV2WireCommitMiningJobError{}
		m.RequestID = r.u32("request_id")
		m.ErrorCode = r.str0_255("error_code")
		m.ErrorDetails = r.b0_64k("error_details")
		msg = m
	case stratumV2MsgTypeIdentifyTransactions:
		msg = stratumV2WireIdentifyTransactions{RequestID: r.u32("request_id")}
	case stratumV2MsgTypeIdentifyTransactionsSuccess:
		m := stratumV2WireIdentifyTransactionsSuccess{}
		m.RequestID = r.u32("request_id")
		if n := r.seq64k("tx_data_hashes"); n > 0 {
			m.TxDataHashes = make([][32]byte, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				m.TxDataHashes = append(m.TxDataHashes, r.u256("tx_data_hashes item"))
			}
		}
		msg = m
	case stratumV2MsgTypeProvideMissingTransactions:
		m := stratumV2WireProvideMissingTransactions{}
		m.RequestID = r.u32("request_id")
		if n := r.seq64k("unknown_tx_position_list"); n > 0 {
			m.UnknownTxPositionList = make([]uint16, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				m.UnknownTxPositionList = append(m.UnknownTxPositionList, r.u16("unknown_tx_position_list item"))
			}
		}
		msg = m
	case stratumV2MsgTypeProvideMissingTransactionsSuccess:
		m := stratumV2WireProvideMissingTransactionsSuccess{}
		m.RequestID = r.u32("request_id")
		if n := r.seq64k("transaction_list"); n > 0 {
			m.TransactionList = make([][]byte, 0, n)
			for i := 0; i < n && r.err == nil; i++ {
				m.TransactionList = append(m.TransactionList, r.b0_16m("transaction_list item"))
			}
		}
		msg = m
	default:
		return nil, fmt.Errorf("unsupported job negotiation msg_type")
	}
	if err := r.finish(); err != nil {
		return nil, fmt.Errorf("%s: %w", jobNegotiationMsgName(msgType), err)
	}
	return msg, nil
}
