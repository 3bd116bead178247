package coingate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/govalues/decimal"

	"github.com/mmeshcher/coingate-gateway/internal/model"
)

// SourceName входит в ключ идемпотентности уведомлений CoinGate.
const SourceName = "coingate"

// ErrMalformedPayload возвращается, если уведомление не удаётся разобрать.
var ErrMalformedPayload = errors.New("malformed coingate payload")

// Source разбирает уведомления CoinGate, присланные формой или JSON.
type Source struct{}

// NewSource создаёт разборщик уведомлений CoinGate.
func NewSource() *Source {
	return &Source{}
}

// Name возвращает имя источника уведомлений.
func (s *Source) Name() string {
	return SourceName
}

// ParseNotification разбирает тело уведомления и проверяет обязательные поля.
func (s *Source) ParseNotification(raw model.RawNotification, receivedAt time.Time) (*model.Notification, error) {
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	n := &model.Notification{
		Source:        SourceName,
		Status:        strings.ToLower(strings.TrimSpace(fields["status"])),
		RemoteOrderID: strings.TrimSpace(fields["id"]),
		LocalOrderID:  strings.TrimSpace(fields["order_id"]),
		Token:         fields["token"],
		ReceivedAt:    receivedAt,
	}
	n.EventType = model.ParseEventType(n.Status)

	var missing []string
	if n.Status == "" {
		missing = append(missing, "status")
	}
	if n.RemoteOrderID == "" {
		missing = append(missing, "id")
	}
	if n.LocalOrderID == "" {
		missing = append(missing, "order_id")
	}
	if n.Token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
	}

	if n.EventType == model.EventPaid {
		amount := strings.TrimSpace(fields["price_amount"])
		if amount == "" {
			return nil, fmt.Errorf("%w: missing price_amount", ErrMalformedPayload)
		}
		gross, err := decimal.Parse(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: price_amount: %v", ErrMalformedPayload, err)
		}
		if gross.IsNeg() {
			return nil, fmt.Errorf("%w: negative price_amount", ErrMalformedPayload)
		}
		n.GrossAmount = gross
	}

	return n, nil
}

func decodeFields(raw model.RawNotification) (map[string]string, error) {
	body := bytes.TrimSpace(raw.Body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if isJSON(raw.ContentType, body) {
		return decodeJSON(body)
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}
	return fields, nil
}

func isJSON(contentType string, body []byte) bool {
	if contentType != "" {
		if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
			return mediaType == "application/json"
		}
	}
	return body[0] == '{'
}

func decodeJSON(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}

	fields := make(map[string]string, len(payload))
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = fmt.Sprint(val)
		case nil:
		default:
			// вложенные объекты не участвуют в сверке
		}
	}
	return fields, nil
}
