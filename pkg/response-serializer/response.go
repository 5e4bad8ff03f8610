package serializer

import (
	"bufio"
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const storedAtHeaderName = "Offline-Cache-Stored-At"

var delim = []byte("\r\n\r\n----\r\n\r\n")

// ResponseToBytes serializes a response snapshot for storage.
// The originating request is written first so the request identity can
// be reconstructed from storage for diagnostics.
//
// The response body is consumed during serialization and then replaced
// with a fresh reader over the same bytes, so the caller can still
// send the original response downstream after storing the snapshot.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}

	if res.Request != nil {
		if err := res.Request.Write(buf); err != nil {
			log.Warn().Err(err).Msg("Could not write request to bytes")
		}
	} else {
		log.Warn().Msg("Request not set on response to store")
	}
	buf.Write(delim)

	res.Header.Set(storedAtHeaderName, strconv.FormatInt(time.Now().Unix(), 10))
	bts, err := responseToBytes(res)
	res.Header.Del(storedAtHeaderName)

	buf.Write(bts)
	return buf.Bytes(), err
}

// BytesToResponse deserializes a stored snapshot.
// It returns the response and the time the snapshot was stored.
func BytesToResponse(b []byte) (*http.Response, time.Time, error) {
	res, err := bytesToResponse(b)
	if err != nil {
		return nil, time.Time{}, err
	}
	var storedAt time.Time
	if unix, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64); err == nil {
		storedAt = time.Unix(unix, 0)
	}
	res.Header.Del(storedAtHeaderName)
	return res, storedAt, nil
}

func bytesToResponse(b []byte) (*http.Response, error) {
	bParts := bytes.SplitN(b, delim, 2)
	if len(bParts) != 2 {
		return nil, errors.New("stored response is missing the request delimiter")
	}
	reqBytes := bParts[0]
	resBytes := bParts[1]
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(reqBytes)))
	if err != nil {
		log.Warn().Err(err).Msg("Could not read request from stored response")
	}
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(resBytes)), req)
}

// responseToBytes converts a response to its HTTP/1.1 representation.
// The response body is rewound by re-reading it from the buffer.
func responseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}
