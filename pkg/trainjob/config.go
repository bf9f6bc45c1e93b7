package trainjob

import (
	"errors"
	"fmt"
	"math"
)

// Hyperparameter keys understood by the trainer.
const (
	KeyLearningRate = "learning_rate"
	KeyBatchSize    = "batch_size"
	KeyEpochs       = "epochs"
	KeyOptimizer    = "optimizer"
	KeyModelArch    = "model_arch"
	KeyImgSize      = "img_size"
	KeyUseGPU       = "use_gpu"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid training config")

var optimizers = map[string]struct{}{
	"adam":    {},
	"sgd":     {},
	"rmsprop": {},
}

// Config maps hyperparameter names to values. Consumers other than the
// trainer treat it as opaque.
type Config map[string]any

// DefaultConfig returns the hyperparameters used when none were saved.
func DefaultConfig() Config {
	return Config{
		KeyLearningRate: 0.001,
		KeyBatchSize:    16,
		KeyEpochs:       20,
		KeyOptimizer:    "adam",
		KeyModelArch:    "yolov8n.pt",
		KeyImgSize:      640,
		KeyUseGPU:       true,
	}
}

// Clone returns a deep copy so callers never share nested maps or slices.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	out := make(Config, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, inner := range t {
			m[k] = cloneValue(inner)
		}
		return m
	case Config:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, inner := range t {
			s[i] = cloneValue(inner)
		}
		return s
	default:
		return v
	}
}

// WithDefaults fills missing keys from DefaultConfig.
func (c Config) WithDefaults() Config {
	out := c.Clone()
	if out == nil {
		out = Config{}
	}
	for k, v := range DefaultConfig() {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// Float returns a numeric hyperparameter as float64.
func (c Config) Float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int returns an integral hyperparameter. JSON numbers decode as float64,
// so whole floats are accepted.
func (c Config) Int(key string) (int, bool) {
	f, ok := c.Float(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// StringValue returns a string hyperparameter.
func (c Config) StringValue(key string) (string, bool) {
	s, ok := c[key].(string)
	return s, ok
}

// Validate checks the keys the trainer relies on. Keys that are absent are
// not an error; WithDefaults supplies them.
func (c Config) Validate() error {
	if _, present := c[KeyLearningRate]; present {
		lr, ok := c.Float(KeyLearningRate)
		if !ok || lr <= 0 {
			return fmt.Errorf("%w: learning_rate must be a positive number", ErrInvalidConfig)
		}
	}
	for _, key := range []string{KeyBatchSize, KeyEpochs, KeyImgSize} {
		if _, present := c[key]; !present {
			continue
		}
		n, ok := c.Int(key)
		if !ok || n <= 0 {
			return fmt.Errorf("%w: %s must be a positive integer", ErrInvalidConfig, key)
		}
	}
	if _, present := c[KeyOptimizer]; present {
		opt, ok := c.StringValue(KeyOptimizer)
		if !ok {
			return fmt.Errorf("%w: optimizer must be a string", ErrInvalidConfig)
		}
		if _, known := optimizers[opt]; !known {
			return fmt.Errorf("%w: unsupported optimizer %q", ErrInvalidConfig, opt)
		}
	}
	if _, present := c[KeyUseGPU]; present {
		if _, ok := c[KeyUseGPU].(bool); !ok {
			return fmt.Errorf("%w: use_gpu must be a boolean", ErrInvalidConfig)
		}
	}
	return nil
}
