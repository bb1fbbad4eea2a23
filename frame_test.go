package dispatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestEncodeFrame_Layout(t *testing.T) {
	got := EncodeFrame(1, []byte("hi"))
	want := []byte{1, 0, 0, 0, 2, 0, 0, 0, 'h', 'i'}

	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFrame = %v, want %v", got, want)
	}
}

func TestEncodeFrame_Empty(t *testing.T) {
	got := EncodeFrame(0x01020304, nil)
	want := []byte{4, 3, 2, 1, 0, 0, 0, 0}

	if !bytes.Equal(got, want) {
		t.Errorf("EncodeFrame = %v, want %v", got, want)
	}
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		id      HandlerID
		payload []byte
	}{
		{"text", 1, []byte("Hello, world")},
		{"empty", 2, nil},
		{"binary", 0xFFFFFFFF, []byte{0, 1, 2, 0xFF}},
		{"large", 7, bytes.Repeat([]byte("x"), 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.id, tt.payload, DefaultMaxPayloadSize); err != nil {
				t.Fatalf("WriteFrame failed: %v", err)
			}
			if buf.Len() != FrameHeaderLen+len(tt.payload) {
				t.Errorf("wrote %d bytes, want %d", buf.Len(), FrameHeaderLen+len(tt.payload))
			}

			frame, err := ReadFrame(&buf, DefaultMaxPayloadSize)
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if frame.HandlerID != tt.id {
				t.Errorf("HandlerID = %d, want %d", frame.HandlerID, tt.id)
			}
			if !bytes.Equal(frame.Payload, tt.payload) {
				t.Errorf("Payload mismatch")
			}
		})
	}
}

func TestReadFrame_Sequence(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(EncodeFrame(1, []byte("first")))
	buf.Write(EncodeFrame(2, nil))
	buf.Write(EncodeFrame(3, []byte("third")))

	for _, want := range []HandlerID{1, 2, 3} {
		frame, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if frame.HandlerID != want {
			t.Errorf("HandlerID = %d, want %d", frame.HandlerID, want)
		}
	}

	if _, err := ReadFrame(&buf, 0); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed at end of stream, got %v", err)
	}
}

// oneByteReader returns the stream a byte at a time.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadFrame_ShortReads(t *testing.T) {
	r := oneByteReader{r: bytes.NewReader(EncodeFrame(42, []byte("fragmented")))}

	frame, err := ReadFrame(r, 0)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if frame.HandlerID != 42 || string(frame.Payload) != "fragmented" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	full := EncodeFrame(5, []byte("payload"))

	tests := []struct {
		name string
		data []byte
	}{
		{"empty stream", nil},
		{"partial header", full[:3]},
		{"header only", full[:FrameHeaderLen]},
		{"partial payload", full[:FrameHeaderLen+2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data), 0)
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("expected ErrConnectionClosed, got %v", err)
			}
		})
	}
}

func TestReadFrame_PayloadTooLarge(t *testing.T) {
	var header [FrameHeaderLen]byte
	binary.LittleEndian.PutUint32(header[0:4], 1)
	binary.LittleEndian.PutUint32(header[4:8], 0xFFFFFFFF)

	// no payload follows; the size check must fire before any read of it
	_, err := ReadFrame(bytes.NewReader(header[:]), DefaultMaxPayloadSize)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrame_AtLimit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 16)

	frame, err := ReadFrame(bytes.NewReader(EncodeFrame(1, payload)), 16)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if len(frame.Payload) != 16 {
		t.Errorf("payload length = %d, want 16", len(frame.Payload))
	}

	_, err = ReadFrame(bytes.NewReader(EncodeFrame(1, payload)), 15)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteFrame_PayloadTooLarge(t *testing.T) {
	var buf bytes.Buffer

	err := WriteFrame(&buf, 1, make([]byte, 10), 5)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for a rejected frame", buf.Len())
	}
}

type failingWriter struct {
	err error
}

func (w failingWriter) Write(p []byte) (int, error) {
	return 0, w.err
}

func TestWriteFrame_TransportError(t *testing.T) {
	cause := errors.New("broken pipe")

	err := WriteFrame(failingWriter{err: cause}, 1, []byte("x"), 0)

	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if transportErr.Op != "write" {
		t.Errorf("Op = %s, want write", transportErr.Op)
	}
	if !errors.Is(err, cause) {
		t.Error("TransportError does not unwrap to its cause")
	}
	if transportErr.Timeout() {
		t.Error("Timeout() = true for a non-timeout error")
	}
}

func TestWriteFrame_SingleWrite(t *testing.T) {
	w := &countingWriter{}

	if err := WriteFrame(w, 1, []byte("one write"), 0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if w.calls != 1 {
		t.Errorf("Write called %d times, want 1", w.calls)
	}
}

type countingWriter struct {
	calls int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.calls++
	return len(p), nil
}
