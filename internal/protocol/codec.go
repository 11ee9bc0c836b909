package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AIoTwin-Adaptive-FL-Orch/sl-orchestrator/internal/common"
)

var (
	ErrUnknownAction = errors.New("unknown message action")
	ErrMalformed     = errors.New("malformed message")
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func Encode(msg interface{}) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return body, nil
}

// DecodeControl decodes and validates a control-plane message.
func DecodeControl(body []byte) (ControlMessage, error) {
	head := struct {
		Action string `json:"action"`
	}{}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg ControlMessage
	switch head.Action {
	case common.ACTION_REGISTER:
		msg = &Register{}
	case common.ACTION_NOTIFY:
		msg = &Notify{}
	case common.ACTION_UPDATE:
		msg = &Update{}
	case common.ACTION_START:
		msg = &Start{}
	case common.ACTION_PAUSE:
		msg = &Pause{}
	case common.ACTION_STOP:
		msg = &Stop{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Action)
	}

	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Action, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeData decodes and validates a data-plane message.
func DecodeData(body []byte) (DataMessage, error) {
	head := struct {
		Kind string `json:"kind"`
	}{}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg DataMessage
	switch head.Kind {
	case common.DATA_KIND_ACTIVATION:
		msg = &Activation{}
	case common.DATA_KIND_GRADIENT:
		msg = &Gradient{}
	case common.DATA_KIND_VALIDATION:
		msg = &ValidationResult{}
	default:
		return nil, fmt.Errorf("%w: data kind %q", ErrUnknownAction, head.Kind)
	}

	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Kind, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
