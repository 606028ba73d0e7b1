package mtproto

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gotd/td/crypto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
)

// ErrUnsupportedSessionFormat возвращается, когда формат блоба сессии не распознан.
var ErrUnsupportedSessionFormat = fmt.Errorf("неизвестный формат MTProto-сессии")

// NormalizeSessionBlob приводит блоб MTProto-сессии известных форматов
// (строковые сессии Telethon, экспортированный JSON) к JSON-формату gotd
// session.Storage. Возвращает блоб, признак «потребовалась конвертация»
// и ошибку, если формат не распознан.
func NormalizeSessionBlob(raw []byte) ([]byte, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("блоб MTProto-сессии пуст")
	}

	// Уже формат gotd.
	var probe struct {
		Version int `json:"Version"`
	}
	if err := json.Unmarshal(trimmed, &probe); err == nil && probe.Version != 0 {
		clone := append([]byte(nil), trimmed...)
		return clone, false, nil
	}

	if converted, err := fromTelethonAccount(trimmed); err == nil {
		return converted, true, nil
	}
	if converted, err := fromTelethonRows(trimmed); err == nil {
		return converted, true, nil
	}
	if converted, err := fromTelethonString(trimmed); err == nil {
		return converted, true, nil
	}

	return nil, false, ErrUnsupportedSessionFormat
}

func fromTelethonAccount(raw []byte) ([]byte, error) {
	var account struct {
		ExtraParams string `json:"extra_params"`
	}
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, err
	}
	if account.ExtraParams == "" {
		return nil, fmt.Errorf("в JSON аккаунта telethon нет extra_params")
	}
	return fromTelethonString([]byte(account.ExtraParams))
}

func fromTelethonRows(raw []byte) ([]byte, error) {
	type row struct {
		DCID          int    `json:"dc_id"`
		ServerAddress string `json:"server_address"`
		Port          int    `json:"port"`
		AuthKey       string `json:"auth_key"`
	}

	var rows []row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.AuthKey == "" || r.ServerAddress == "" || r.Port == 0 {
			continue
		}
		return buildSessionData(r.DCID, r.ServerAddress, r.Port, r.AuthKey)
	}
	return nil, fmt.Errorf("в JSON сессии telethon нет пригодных строк")
}

func fromTelethonString(raw []byte) ([]byte, error) {
	candidate := strings.TrimSpace(string(raw))
	candidate = strings.Trim(candidate, "\"'\n\r\t")
	if candidate == "" {
		return nil, fmt.Errorf("строковая сессия telethon пуста")
	}

	data, err := session.TelethonSession(candidate)
	if err != nil {
		return nil, err
	}

	if data.Config.ThisDC == 0 {
		data.Config.ThisDC = data.DC
	}
	if data.Addr != "" && len(data.Config.DCOptions) == 0 {
		host, portStr, splitErr := net.SplitHostPort(data.Addr)
		if splitErr == nil {
			if port, convErr := strconv.Atoi(portStr); convErr == nil {
				data.Config.DCOptions = []tg.DCOption{{
					ID:        data.DC,
					IPAddress: host,
					Port:      port,
				}}
			}
		}
	}

	return encodeGotdSession(*data)
}

func buildSessionData(dcID int, host string, port int, authKeyHex string) ([]byte, error) {
	authKeyHex = strings.TrimSpace(authKeyHex)
	authKeyHex = strings.Trim(authKeyHex, "'\"")
	if authKeyHex == "" {
		return nil, fmt.Errorf("auth_key сессии telethon пуст")
	}

	rawKey, err := hex.DecodeString(authKeyHex)
	if err != nil {
		return nil, fmt.Errorf("декодирование auth_key: %w", err)
	}
	if len(rawKey) != len(crypto.Key{}) {
		return nil, fmt.Errorf("неожиданная длина auth_key: %d байт", len(rawKey))
	}

	var key crypto.Key
	copy(key[:], rawKey)

	authKey := make([]byte, len(key))
	copy(authKey, key[:])

	id := key.WithID().ID
	authKeyID := make([]byte, len(id))
	copy(authKeyID, id[:])

	data := session.Data{
		Config: session.Config{
			ThisDC:    dcID,
			DCOptions: []tg.DCOption{{ID: dcID, IPAddress: host, Port: port}},
		},
		DC:        dcID,
		Addr:      net.JoinHostPort(host, strconv.Itoa(port)),
		AuthKey:   authKey,
		AuthKeyID: authKeyID,
	}

	return encodeGotdSession(data)
}

func encodeGotdSession(data session.Data) ([]byte, error) {
	payload := struct {
		Version int          `json:"Version"`
		Data    session.Data `json:"Data"`
	}{
		Version: 1,
		Data:    data,
	}
	return json.Marshal(payload)
}
