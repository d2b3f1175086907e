package uthhub

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/pkg/errors"
)

// ============================================================================
// STOMP framing
// ============================================================================

// Each WebSocket text message carries one or more STOMP 1.2 frames; a bare
// EOL is a heart-beat.

const (
	stompVersion = "1.2"

	hdrAcceptVersion = "accept-version"
	hdrAuthorization = "Authorization"
	hdrContentLength = "content-length"
	hdrContentType   = "content-type"
	hdrDestination   = "destination"
	hdrHeartBeat     = "heart-beat"
	hdrHost          = "host"
	hdrID            = "id"
	hdrMessage       = "message"
	hdrReceipt       = "receipt"
	hdrSubscription  = "subscription"

	contentTypeJSON = "application/json"
)

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, errors.Wrapf(err, "encode %s frame", f.Command)
	}
	return buf.Bytes(), nil
}

// decodeFrames parses every frame in one WebSocket message, skipping
// heart-beats.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var out []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.Wrap(err, "decode stomp frame")
		}
		if f != nil {
			out = append(out, f)
		}
	}
}

func connectFrame(host, token string, heartbeat time.Duration) *frame.Frame {
	f := frame.New(frame.CONNECT,
		hdrAcceptVersion, stompVersion,
		hdrHost, host,
		hdrHeartBeat, formatHeartBeat(heartbeat, heartbeat),
	)
	if token != "" {
		f.Header.Add(hdrAuthorization, "Bearer "+token)
	}
	return f
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE, hdrID, id, hdrDestination, destination)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, hdrID, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		hdrDestination, destination,
		hdrContentType, contentTypeJSON,
		hdrContentLength, strconv.Itoa(len(body)),
	)
	f.Body = body
	return f
}

func disconnectFrame(receipt string) *frame.Frame {
	return frame.New(frame.DISCONNECT, hdrReceipt, receipt)
}

// stompError converts an ERROR frame into a Go error.
func stompError(f *frame.Frame) error {
	msg := f.Header.Get(hdrMessage)
	if msg == "" {
		msg = strings.TrimSpace(string(f.Body))
	}
	if msg == "" {
		msg = "server error"
	}
	return errors.Errorf("stomp: %s", msg)
}

func formatHeartBeat(send, recv time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(recv.Milliseconds(), 10)
}

// negotiateHeartBeat returns how often the client must send heart-beats
// given its own wish and the server's CONNECTED heart-beat header. Zero
// means no client heart-beats.
func negotiateHeartBeat(clientSend time.Duration, serverHeader string) time.Duration {
	if clientSend <= 0 || serverHeader == "" {
		return 0
	}
	parts := strings.SplitN(serverHeader, ",", 2)
	if len(parts) != 2 {
		return 0
	}
	serverRecv, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || serverRecv <= 0 {
		return 0
	}
	want := time.Duration(serverRecv) * time.Millisecond
	if want > clientSend {
		return want
	}
	return clientSend
}
