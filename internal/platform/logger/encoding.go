package logger

import (
	"bytes"

	"github.com/nulzo/novel-gateway/internal/cli"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var bufferPool = buffer.NewPool()

// coloredConsoleEncoder is the console encoder with the trailing structured
// fields highlighted as JSON.
type coloredConsoleEncoder struct {
	zapcore.Encoder
}

func NewColoredConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &coloredConsoleEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (c *coloredConsoleEncoder) Clone() zapcore.Encoder {
	return &coloredConsoleEncoder{Encoder: c.Encoder.Clone()}
}

// EncodeEntry highlights the fields object, which the console encoder writes
// after the last tab-separated header column as "\t{...}".
func (c *coloredConsoleEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := c.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}

	line := buf.Bytes()
	at := bytes.Index(line, []byte("\t{"))
	if at < 0 {
		return buf, nil
	}

	out := bufferPool.Get()
	_, _ = out.Write(line[:at+1])
	out.AppendString(cli.HighlightJSON(string(line[at+1:])))
	buf.Free()
	return out, nil
}
