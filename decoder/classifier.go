package decoder

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// classifierModes maps TorchSig Sig53 class names to receiver mode names.
// Classes without a receiver-side demodulator map to the empty string and
// come through as raw classifications.
var classifierModes = map[string]string{
	"ook":       "cw",
	"am-dsb":    "am",
	"am-dsb-sc": "am",
	"am-lsb":    "lsb",
	"am-usb":    "usb",
	"fm":        "nfm",
	"wbfm":      "wfm",
	"bpsk":      "bpsk31",
	"2fsk":      "rtty170",
	"4fsk":      "dmr",
	"4gfsk":     "dmr",
	"gmsk":      "dstar",
	"ofdm-64":   "ft8",
	"ofdm-2048": "dab",
}

type classifierPrediction struct {
	Class      string  `json:"torchsig_class"`
	Confidence float64 `json:"confidence"`
	Mode       string  `json:"mode,omitempty"`
}

// ParseClassifier parses one JSON report line from the signal-classifier
// helper, which runs a TorchSig Sig53 model over the passband and emits its
// top predictions on an interval:
//
//	{"timestamp":1724900000000,"freq":7100000,"predictions":[{"torchsig_class":"am-usb","confidence":0.93}],"sample_rate":48000}
//
// The record message names the best guess; every surviving prediction rides
// along in the fields.
func ParseClassifier(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Record{}, false
	}

	var report struct {
		Timestamp   int64                  `json:"timestamp"`
		Freq        int64                  `json:"freq"`
		SampleRate  int                    `json:"sample_rate"`
		Predictions []classifierPrediction `json:"predictions"`
	}
	if err := json.Unmarshal([]byte(line), &report); err != nil {
		return Record{}, false
	}
	if len(report.Predictions) == 0 {
		return Record{}, false
	}

	preds := make([]classifierPrediction, len(report.Predictions))
	for i, p := range report.Predictions {
		p.Mode = classifierModes[p.Class]
		preds[i] = p
	}

	top := preds[0]
	label := top.Class
	if top.Mode != "" {
		label = top.Mode
	}

	rec := Record{
		Message: fmt.Sprintf("%s (%.0f%%)", label, top.Confidence*100),
		Fields: map[string]any{
			"predictions": preds,
			"sample_rate": report.SampleRate,
		},
	}
	if report.Timestamp > 0 {
		rec.Timestamp = time.UnixMilli(report.Timestamp).UTC()
	}
	return rec, true
}
