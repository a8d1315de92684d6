/*

Package `zap` wraps Zap logging.

Callers use the sugared `Levelw(msg, kv...)` functions.  `NewJSON()` is the
container variant: JSON lines on stdout with ISO8601 timestamps, so that log
collectors can parse times without knowing Zap's epoch float format.

*/
package zap

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger = zap.SugaredLogger

func NewProduction() (*Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewDevelopment() (*Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func NewJSON() (*Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	l := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(zapcore.InfoLevel),
	))
	return l.Sugar(), nil
}

// `New()` selects a Zap logger by name, as used by the `--log=<logger>`
// options.  The `mu` logger is not a Zap logger; callers handle it first.
func New(kind string) (*Logger, error) {
	switch kind {
	case "prod":
		return NewProduction()
	case "dev":
		return NewDevelopment()
	case "json":
		return NewJSON()
	default:
		return nil, &InvalidKindError{Kind: kind}
	}
}

type InvalidKindError struct {
	Kind string
}

func (err *InvalidKindError) Error() string {
	return "invalid logger kind `" + err.Kind + "`"
}
