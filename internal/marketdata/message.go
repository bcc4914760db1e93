package marketdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var errMalformed = errors.New("malformed stream payload")

type messageKind int

const (
	messageControl messageKind = iota
	messageTicker
	messageKline
)

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

type tickerPayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
}

type klinePayload struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		Start    int64  `json:"t"`
		End      int64  `json:"T"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type message struct {
	kind      messageKind
	symbol    string
	price     float64
	eventTime time.Time
	interval  string
	closed    bool
	candle    Candle
}

// parseMessage decodes a combined-stream frame. Only the fields needed for price, candle
// and timestamp are read.
func parseMessage(raw []byte) (message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return message{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if env.ID != nil || env.Stream == "" {
		return message{kind: messageControl}, nil
	}
	if len(env.Data) == 0 {
		return message{}, fmt.Errorf("%w: empty data for %s", errMalformed, env.Stream)
	}

	_, channel, ok := strings.Cut(env.Stream, "@")
	if !ok {
		return message{}, fmt.Errorf("%w: stream name %q", errMalformed, env.Stream)
	}

	switch {
	case channel == "ticker":
		var t tickerPayload
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return message{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		price, err := parsePositive(t.Last)
		if err != nil {
			return message{}, err
		}
		return message{
			kind:      messageTicker,
			symbol:    strings.ToUpper(t.Symbol),
			price:     price,
			eventTime: time.UnixMilli(t.EventTime),
		}, nil

	case strings.HasPrefix(channel, "kline_"):
		var k klinePayload
		if err := json.Unmarshal(env.Data, &k); err != nil {
			return message{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		c, err := k.candle()
		if err != nil {
			return message{}, err
		}
		interval := k.Kline.Interval
		if interval == "" {
			interval = strings.TrimPrefix(channel, "kline_")
		}
		return message{
			kind:      messageKline,
			symbol:    strings.ToUpper(k.Symbol),
			eventTime: time.UnixMilli(k.EventTime),
			interval:  interval,
			closed:    k.Kline.Closed,
			candle:    c,
		}, nil
	}

	return message{kind: messageControl}, nil
}

func (k klinePayload) candle() (Candle, error) {
	vals := make([]float64, 5)
	for i, s := range []string{k.Kline.Open, k.Kline.High, k.Kline.Low, k.Kline.Close, k.Kline.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("%w: kline field %q", errMalformed, s)
		}
		vals[i] = v
	}
	if k.Kline.Start == 0 {
		return Candle{}, fmt.Errorf("%w: kline without open time", errMalformed)
	}
	return Candle{
		OpenTime:  time.UnixMilli(k.Kline.Start),
		CloseTime: time.UnixMilli(k.Kline.End),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: price %q", errMalformed, s)
	}
	return v, nil
}

func streamNames(symbol string, intervals []string) []string {
	sym := strings.ToLower(symbol)
	names := make([]string, 0, len(intervals)+1)
	names = append(names, sym+"@ticker")
	for _, iv := range intervals {
		names = append(names, sym+"@kline_"+iv)
	}
	return names
}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}
