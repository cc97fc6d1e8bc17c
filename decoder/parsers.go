package decoder

import (
	"strconv"
	"strings"
	"time"
)

// ParseJT9 parses one decode line from the jt9 binary, shared by the FT8
// family of modes. Lines look like:
//
//	000000  -9  0.3 1124 ~  CQ DL1ABC JO62
//
// time, SNR, time offset, audio frequency, mode marker, then the message.
func ParseJT9(line string) (Record, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Record{}, false
	}

	ts, ok := parseWSJTTime(fields[0])
	if !ok {
		return Record{}, false
	}
	snr, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, false
	}
	if _, err := strconv.ParseFloat(fields[2], 64); err != nil {
		return Record{}, false
	}
	offset, err := strconv.Atoi(fields[3])
	if err != nil {
		return Record{}, false
	}

	msg := strings.Join(fields[5:], " ")
	return Record{
		Timestamp: ts,
		SNR:       snr,
		Offset:    offset,
		Message:   msg,
		Fields: map[string]any{
			"dt": fields[2],
		},
	}, true
}

// parseWSJTTime interprets the HHMMSS (or HHMM) timestamp jt9 prints,
// anchored to today in UTC.
func parseWSJTTime(s string) (time.Time, bool) {
	var layout string
	switch len(s) {
	case 6:
		layout = "150405"
	case 4:
		layout = "1504"
	default:
		return time.Time{}, false
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, false
	}
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, time.UTC), true
}

// ParseDirewolf parses direwolf's monitor output for APRS. Decode lines
// start with a channel marker:
//
//	[0] DL1ABC-9>APRS,WIDE1-1:=5230.70N/01323.50E>comment
//
// Everything else direwolf prints is status chatter and is dropped.
func ParseDirewolf(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[") {
		return Record{}, false
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		return Record{}, false
	}
	frame := line[end+2:]

	gt := strings.Index(frame, ">")
	if gt <= 0 {
		return Record{}, false
	}
	source := frame[:gt]

	colon := strings.Index(frame, ":")
	if colon < 0 || colon+1 >= len(frame) {
		return Record{}, false
	}

	return Record{
		Message: frame,
		Fields: map[string]any{
			"source": source,
			"body":   frame[colon+1:],
		},
	}, true
}
