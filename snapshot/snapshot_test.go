package snapshot_test

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/xvmproject/xvm/snapshot"
)

func sample() *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Config: []byte(`{"vcpus":2,"mem":67108864}`),
		Vcpus: []snapshot.VcpuState{
			{
				Index: 0,
				PC:    0x1000,
				Regs:  [32]uint64{1: 42, 2: 7},
				FRegs: [32]uint64{3: 99},
				CSR:   map[int64]uint64{0x300: 0xff},
			},
			{
				Index: 1,
				PC:    0x2000,
				Regs:  [32]uint64{1: 5},
			},
		},
		Mem: snapshot.MemSection{Data: []byte{1, 2, 3, 4, 5}},
		Devices: []snapshot.DeviceSection{
			{Name: "serial0", Blob: []byte("console-state")},
		},
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	t.Parallel()

	want := sample()

	var buf bytes.Buffer
	if err := snapshot.Serialize(&buf, want); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := snapshot.Deserialize(&buf)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}

	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch:\n want=%+v\n got=%+v", want, got)
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBufferString("not a snapshot blob at all, just junk")

	if _, err := snapshot.Deserialize(buf); err == nil {
		t.Fatalf("expected an error for a non-snapshot buffer")
	}
}

func TestDeserializeRejectsVersionMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := snapshot.Serialize(&buf, sample()); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	raw := buf.Bytes()
	raw[11] = 0xff // corrupt the low byte of the big-endian version field

	if _, err := snapshot.Deserialize(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected a version mismatch error")
	}
}

func TestDeserializeRejectsConfigHashMismatch(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := snapshot.Serialize(&buf, sample()); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	raw := buf.Bytes()
	raw[12] ^= 0xff // flip a byte inside the config_hash field

	if _, err := snapshot.Deserialize(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected a config hash mismatch error")
	}
}

func TestSenderReceiverSnapshotHandshake(t *testing.T) {
	t.Parallel()

	var wire bytes.Buffer

	sender := snapshot.NewSender(&wire)
	if err := sender.SendReady(); err != nil {
		t.Fatalf("SendReady: %v", err)
	}

	want := sample()
	if err := sender.SendSnapshot(want); err != nil {
		t.Fatalf("SendSnapshot: %v", err)
	}

	if err := sender.SendDone(); err != nil {
		t.Fatalf("SendDone: %v", err)
	}

	receiver := snapshot.NewReceiver(&wire)

	msgType, _, err := receiver.Next()
	if err != nil {
		t.Fatalf("Next (ready): %v", err)
	}

	if msgType != snapshot.MsgReady {
		t.Fatalf("first message = %v, want MsgReady", msgType)
	}

	msgType, payload, err := receiver.Next()
	if err != nil {
		t.Fatalf("Next (snapshot): %v", err)
	}

	if msgType != snapshot.MsgSnapshot {
		t.Fatalf("second message = %v, want MsgSnapshot", msgType)
	}

	got, err := snapshot.DecodeSnapshot(payload)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}

	if !reflect.DeepEqual(want, got) {
		t.Fatalf("decoded snapshot mismatch:\n want=%+v\n got=%+v", want, got)
	}

	msgType, _, err = receiver.Next()
	if err != nil {
		t.Fatalf("Next (done): %v", err)
	}

	if msgType != snapshot.MsgDone {
		t.Fatalf("third message = %v, want MsgDone", msgType)
	}
}
