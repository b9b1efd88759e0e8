// Package dispatch owns everything between job admission and the broker:
// the wire codec for job descriptors, the queue topology, and the publish
// gateway with confirms, retry and a circuit breaker.
package dispatch

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/applyforge/applyforge-api/internal/models"
)

// JobDescriptor is the unit of work handed to the Brain worker.
type JobDescriptor struct {
	JobID         string          `json:"job_id"`
	UserID        string          `json:"user_id"`
	JDURL         string          `json:"jd_url"`
	ResumeURI     string          `json:"resume_uri"`
	ModelProvider string          `json:"model_provider"`
	ModelName     string          `json:"model_name"`
	Priority      models.Priority `json:"priority"`
	TraceID       string          `json:"trace_id"`
}

// Wire format: 2-byte magic "AF", schema version byte, flags byte,
// uint32 big-endian body length, body. Bodies above compressThreshold are
// gzipped and flagged.
const (
	codecVersion      byte = 1
	flagGzip          byte = 1 << 0
	compressThreshold      = 4 * 1024
	headerLen              = 2 + 1 + 1 + 4
	maxBodyLen             = 16 * 1024 * 1024
)

var codecMagic = [2]byte{'A', 'F'}

// Encode serializes a descriptor into the framed wire format.
func Encode(desc *JobDescriptor) ([]byte, error) {
	body, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}

	var flags byte
	if len(body) > compressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, fmt.Errorf("compress descriptor: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress descriptor: %w", err)
		}
		body = buf.Bytes()
		flags |= flagGzip
	}

	out := make([]byte, headerLen, headerLen+len(body))
	out[0] = codecMagic[0]
	out[1] = codecMagic[1]
	out[2] = codecVersion
	out[3] = flags
	binary.BigEndian.PutUint32(out[4:8], uint32(len(body)))
	return append(out, body...), nil
}

// Decode parses a framed descriptor, rejecting bad magic, unknown schema
// versions and truncated frames.
func Decode(frame []byte) (*JobDescriptor, error) {
	if len(frame) < headerLen {
		return nil, fmt.Errorf("decode descriptor: frame too short (%d bytes)", len(frame))
	}
	if frame[0] != codecMagic[0] || frame[1] != codecMagic[1] {
		return nil, fmt.Errorf("decode descriptor: bad magic %#x %#x", frame[0], frame[1])
	}
	if frame[2] != codecVersion {
		return nil, fmt.Errorf("decode descriptor: unsupported schema version %d", frame[2])
	}
	flags := frame[3]
	bodyLen := binary.BigEndian.Uint32(frame[4:8])
	if bodyLen > maxBodyLen {
		return nil, fmt.Errorf("decode descriptor: body length %d exceeds limit", bodyLen)
	}
	body := frame[headerLen:]
	if uint32(len(body)) != bodyLen {
		return nil, fmt.Errorf("decode descriptor: length mismatch (header %d, actual %d)", bodyLen, len(body))
	}

	if flags&flagGzip != 0 {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("decompress descriptor: %w", err)
		}
		defer zr.Close()
		body, err = io.ReadAll(io.LimitReader(zr, maxBodyLen+1))
		if err != nil {
			return nil, fmt.Errorf("decompress descriptor: %w", err)
		}
		if len(body) > maxBodyLen {
			return nil, fmt.Errorf("decode descriptor: decompressed body exceeds limit")
		}
	}

	var desc JobDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &desc, nil
}
