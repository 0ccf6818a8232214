package store

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/audiolibrelab/labcapture/internal/experiment"
)

// encMode uses Core Deterministic Encoding so the same layout always
// produces the same bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}
}

// labelPayload holds the label fields that are not queried.
type labelPayload struct {
	Text          string `cbor:"text,omitempty"`
	TriggerID     string `cbor:"trigger_id,omitempty"`
	TriggerAction string `cbor:"trigger_action,omitempty"`
	SensorID      string `cbor:"sensor_id,omitempty"`
	SensorName    string `cbor:"sensor_name,omitempty"`
}

func encodeLayouts(layouts []experiment.SensorLayout) ([]byte, error) {
	if len(layouts) == 0 {
		return nil, nil
	}
	return encMode.Marshal(layouts)
}

func decodeLayouts(data []byte) ([]experiment.SensorLayout, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []experiment.SensorLayout
	if err := decMode.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeLabel(l experiment.Label) ([]byte, error) {
	return encMode.Marshal(labelPayload{
		Text:          l.Text,
		TriggerID:     l.TriggerID,
		TriggerAction: l.TriggerAction,
		SensorID:      l.SensorID,
		SensorName:    l.SensorName,
	})
}

func decodeLabel(data []byte, l *experiment.Label) error {
	var p labelPayload
	if err := decMode.Unmarshal(data, &p); err != nil {
		return err
	}
	l.Text = p.Text
	l.TriggerID = p.TriggerID
	l.TriggerAction = p.TriggerAction
	l.SensorID = p.SensorID
	l.SensorName = p.SensorName
	return nil
}
