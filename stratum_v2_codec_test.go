package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"
)

func TestStratumV2FrameHeaderRoundTrip(t *testing.T) {
	in := stratumV2Frame{
		ExtensionType: stratumV2CoreExtensionType,
		MsgType:       stratumV2MsgTypeCommitMiningJob,
		Payload:       []byte{1, 2, 3, 4, 5},
	}
	enc, err := encodeStratumV2Frame(in)
	if err != nil {
		t.Fatalf("encodeStratumV2Frame: %v", err)
	}
	if len(enc) != stratumV2FrameHeaderLen+5 {
		t.Fatalf("encoded len=%d", len(enc))
	}
	if !bytes.Equal(enc[:6], []byte{0x00, 0x00, 0x57, 0x05, 0x00, 0x00}) {
		t.Fatalf("header=% x", enc[:6])
	}
	got, err := decodeStratumV2Frame(enc)
	if err != nil {
		t.Fatalf("decodeStratumV2Frame: %v", err)
	}
	if got.ExtensionType != in.ExtensionType || got.MsgType != in.MsgType || !bytes.Equal(got.Payload, in.Payload) {
		t.Fatalf("frame roundtrip mismatch: got=%#v want=%#v", got, in)
	}
}

func TestStratumV2FrameDecodeRejectsLengthMismatch(t *testing.T) {
	b := []byte{
		0x00, 0x00, // extension_type LE
		0x57,             // msg_type
		0x02, 0x00, 0x00, // payload len = 2
		0x01, // only one payload byte
	}
	if _, err := decodeStratumV2Frame(b); err == nil {
		t.Fatalf("expected payload length mismatch error")
	}
}

func allJobNegotiationMessages() []stratumV2JobNegotiationMessage {
	return []stratumV2JobNegotiationMessage{
		stratumV2WireAllocateMiningJobToken{UserIdentifier: "proxy", RequestID: 1},
		stratumV2WireAllocateMiningJobTokenSuccess{RequestID: 2, MiningJobToken: []byte("tok"), CoinbaseOutputMaxAdditionalSize: 64, AsyncMiningAllowed: true},
		stratumV2WireCommitMiningJob{
			RequestID:                3,
			MiningJobToken:           []byte("tok"),
			Version:                  2,
			CoinbaseTxVersion:        2,
			CoinbasePrefix:           []byte{0x03, 0x01, 0x02, 0x03},
			CoinbaseTxInputNSequence: 0xffffffff,
			CoinbaseTxValueRemaining: 5000000000,
			CoinbaseTxOutputs:        []byte{0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0x6a},
			CoinbaseTxLocktime:       0,
			MinExtranonceSize:        8,
			TxShortHashNonce:         0x0102030405060708,
			TxShortHashList:          []shortTxID{{1, 2, 3, 4, 5, 6}, {7, 8, 9, 10, 11, 12}},
			TxHashListHash:           [32]byte{0xaa, 31: 0xbb},
			ExcessData:               []byte{0xee},
		},
		stratumV2WireCommitMiningJobSuccess{RequestID: 4, NewMiningJobToken: []byte("next")},
		stratumV2WireCommitMiningJobError{RequestID: 5, ErrorCode: "invalid-job", ErrorDetails: []byte("coinbase too big")},
		stratumV2WireIdentifyTransactions{RequestID: 6},
		stratumV2WireIdentifyTransactionsSuccess{RequestID: 7, TxDataHashes: [][32]byte{{1}, {2}}},
		stratumV2WireProvideMissingTransactions{RequestID: 8, UnknownTxPositionList: []uint16{0, 5, 0xffff}},
		stratumV2WireProvideMissingTransactionsSuccess{RequestID: 9, TransactionList: [][]byte{{0x01}, {0x02, 0x03}}},
	}
}

func TestStratumV2JobNegotiationFrameRoundTrip(t *testing.T) {
	for _, msg := range allJobNegotiationMessages() {
		enc, err := encodeStratumV2JobNegotiationFrame(msg)
		if err != nil {
			t.Fatalf("%T encode: %v", msg, err)
		}
		if enc[2] != msg.jobNegotiationMsgType() {
			t.Fatalf("%T msg_type=%#02x want %#02x", msg, enc[2], msg.jobNegotiationMsgType())
		}
		dec, err := decodeStratumV2JobNegotiationWireFrame(enc)
		if err != nil {
			t.Fatalf("%T decode: %v", msg, err)
		}
		if !reflect.DeepEqual(dec, msg) {
			t.Fatalf("%T roundtrip mismatch:\n got=%#v\nwant=%#v", msg, dec, msg)
		}
	}
}

func TestStratumV2CommitMiningJobPayloadLayout(t *testing.T) {
	payload, err := encodeStratumV2JobNegotiationPayload(stratumV2WireCommitMiningJob{
		RequestID:                7,
		MiningJobToken:           []byte("abc"),
		Version:                  2,
		CoinbaseTxVersion:        2,
		CoinbaseTxInputNSequence: 0xffffffff,
		CoinbaseTxValueRemaining: 5000000000,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		0x07, 0x00, 0x00, 0x00, // request_id
		0x03, 'a', 'b', 'c', // mining_job_token
		0x02, 0x00, 0x00, 0x00, // version
		0x02, 0x00, 0x00, 0x00, // coinbase_tx_version
		0x00,                   // coinbase_prefix
		0xff, 0xff, 0xff, 0xff, // coinbase_tx_input_n_sequence
		0x00, 0xf2, 0x05, 0x2a, 0x01, 0x00, 0x00, 0x00, // coinbase_tx_value_remaining
		0x00, 0x00, // coinbase_tx_outputs
		0x00, 0x00, 0x00, 0x00, // coinbase_tx_locktime
		0x00, 0x00, // min_extranonce_size
		0, 0, 0, 0, 0, 0, 0, 0, // tx_short_hash_nonce
		0x00, 0x00, // tx_short_hash_list
	}
	want = append(want, make([]byte, 32)...) // tx_hash_list_hash
	want = append(want, 0x00, 0x00)          // excess_data
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload=\n% x\nwant\n% x", payload, want)
	}
}

func TestStratumV2JobNegotiationDecodeErrorsAreFramingErrors(t *testing.T) {
	cases := []struct {
		name    string
		msgType uint8
		payload []byte
	}{
		{"truncated request id", stratumV2MsgTypeIdentifyTransactions, []byte{0x01, 0x00}},
		{"trailing bytes", stratumV2MsgTypeIdentifyTransactions, []byte{0x01, 0x00, 0x00, 0x00, 0xff}},
		{"token longer than payload", stratumV2MsgTypeCommitMiningJobSuccess, []byte{0x01, 0x00, 0x00, 0x00, 0x05, 'a'}},
		{"unknown msg type", 0x52, nil},
		{"position list truncated", stratumV2MsgTypeProvideMissingTransactions, []byte{0x01, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01, 0x00}},
	}
	for _, tc := range cases {
		_, err := decodeStratumV2JobNegotiationMessage(tc.msgType, tc.payload)
		if !errors.Is(err, errStratumV2Framing) {
			t.Fatalf("%s: err=%v want framing error", tc.name, err)
		}
		var fe *stratumV2FramingError
		if !errors.As(err, &fe) || fe.MsgType != tc.msgType {
			t.Fatalf("%s: framing error does not carry msg_type: %v", tc.name, err)
		}
	}
}

func TestStratumV2JobNegotiationEncodeRejectsOversizedFields(t *testing.T) {
	_, err := encodeStratumV2JobNegotiationPayload(stratumV2WireCommitMiningJob{MiningJobToken: make([]byte, 256)})
	if err == nil {
		t.Fatalf("expected error for 256-byte mining_job_token")
	}
	_, err = encodeStratumV2JobNegotiationPayload(stratumV2WireAllocateMiningJobToken{UserIdentifier: string(make([]byte, 300))})
	if err == nil {
		t.Fatalf("expected error for 300-byte user_identifier")
	}
}

func TestStratumV2SetupConnectionRoundTrip(t *testing.T) {
	in := stratumV2WireSetupConnection{
		Protocol:     sv2ProtocolJobNegotiation,
		MinVersion:   2,
		MaxVersion:   2,
		EndpointHost: "pool.example.com",
		EndpointPort: 34264,
		Vendor:       poolVendor,
		Firmware:     "dev",
	}
	frame, err := encodeStratumV2SetupConnectionFrame(in)
	if err != nil {
		t.Fatalf("encode setupconnection: %v", err)
	}
	f, err := decodeStratumV2Frame(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.MsgType != stratumV2MsgTypeSetupConnection {
		t.Fatalf("msg_type=%#02x", f.MsgType)
	}
	got, err := decodeStratumV2SetupConnectionPayload(f.Payload)
	if err != nil {
		t.Fatalf("decode setupconnection: %v", err)
	}
	if got != in {
		t.Fatalf("setupconnection mismatch: got=%#v want=%#v", got, in)
	}
}

func TestStratumV2SetupReplyDecode(t *testing.T) {
	okFrame, err := encodeStratumV2SetupConnectionSuccessFrame(stratumV2WireSetupConnectionSuccess{UsedVersion: 2, Flags: 1})
	if err != nil {
		t.Fatalf("encode success: %v", err)
	}
	msg, err := decodeStratumV2SetupReplyFrame(okFrame)
	if err != nil {
		t.Fatalf("decode success: %v", err)
	}
	if got, ok := msg.(stratumV2WireSetupConnectionSuccess); !ok || got.UsedVersion != 2 || got.Flags != 1 {
		t.Fatalf("success=%#v", msg)
	}

	errFrame, err := encodeStratumV2SetupConnectionErrorFrame(stratumV2WireSetupConnectionError{ErrorCode: "unsupported-protocol"})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	msg, err = decodeStratumV2SetupReplyFrame(errFrame)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got, ok := msg.(stratumV2WireSetupConnectionError); !ok || got.ErrorCode != "unsupported-protocol" {
		t.Fatalf("error=%#v", msg)
	}

	other, err := encodeStratumV2JobNegotiationFrame(stratumV2WireIdentifyTransactions{RequestID: 1})
	if err != nil {
		t.Fatalf("encode other: %v", err)
	}
	if _, err := decodeStratumV2SetupReplyFrame(other); err == nil {
		t.Fatalf("expected error for non-setup reply")
	}
}

func TestReadOneStratumV2FrameFromReader(t *testing.T) {
	a, _ := encodeStratumV2JobNegotiationFrame(stratumV2WireIdentifyTransactions{RequestID: 1})
	b, _ := encodeStratumV2JobNegotiationFrame(stratumV2WireCommitMiningJobSuccess{RequestID: 2, NewMiningJobToken: []byte("x")})
	r := bytes.NewReader(append(append([]byte{}, a...), b...))

	for _, want := range [][]byte{a, b} {
		got, err := readOneStratumV2FrameFromReader(r)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame=% x want % x", got, want)
		}
	}
	if _, err := readOneStratumV2FrameFromReader(r); !errors.Is(err, io.EOF) {
		t.Fatalf("err=%v want EOF at clean boundary", err)
	}
	if _, err := readOneStratumV2FrameFromReader(bytes.NewReader(a[:len(a)-1])); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}

// decodeStratumV2JobNegotiationWireFrame decodes a full frame (header plus
// payload) the way a pool would.
func decodeStratumV2JobNegotiationWireFrame(b []byte) (stratumV2JobNegotiationMessage, error) {
	frame, err := decodeStratumV2Frame(b)
	if err != nil {
		return nil, err
	}
	if frame.baseExtensionType() != stratumV2CoreExtensionType {
		return nil, fmt.Errorf("unsupported sv2 extension_type: %#04x", frame.baseExtensionType())
	}
	if frame.isChannelMessage() {
		return nil, fmt.Errorf("job negotiation message has channel_msg bit set")
	}
	return decodeStratumV2JobNegotiationMessage(frame.MsgType, frame.Payload)
}
