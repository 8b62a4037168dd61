package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MauroDruwel/mimiclaw/pkg/channel"
	"github.com/MauroDruwel/mimiclaw/pkg/credentials"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

const (
	authPath    = "/open-apis/auth/v3/tenant_access_token/internal"
	messagePath = "/open-apis/im/v1/messages"

	refreshMargin = 300 * time.Second
	defaultExpire = 7200

	codeTokenInvalid = 99991663
	codeTokenExpired = 99991677
)

type cachedToken struct {
	value     string
	expiresAt time.Time
}

func (t cachedToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt.Add(-refreshMargin))
}

type authRequest struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

type authResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"`
}

type sendRequest struct {
	ReceiveID string `json:"receive_id"`
	MsgType   string `json:"msg_type"`
	// Content is itself a JSON document encoded as a string.
	Content string `json:"content"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send delivers text to chatID, split into chunks of at most the configured
// length. Every chunk is attempted; the returned error joins the failures.
func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	if creds, _ := a.credentials(); !creds.Complete() {
		err := channel.ConfigError("send")
		a.log.Warn("Dropping outbound message", "chat_id", chatID, "error", err)
		return err
	}

	chunks := channel.SplitChunks(text, a.maxLen)
	a.log.Info("Sending message", "chat_id", chatID, "chunks", len(chunks), "content", channel.Preview(text))

	var errs []error
	for i, chunk := range chunks {
		if err := a.sendChunk(ctx, chatID, chunk); err != nil {
			a.log.Error("Failed to send message chunk", "chat_id", chatID, "chunk", i+1, "chunks", len(chunks), "error", err)
			errs = append(errs, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) sendChunk(ctx context.Context, chatID, chunk string) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(map[string]string{"text": chunk})
	if err != nil {
		return fmt.Errorf("encode message content: %w", err)
	}
	body := sendRequest{
		ReceiveID: chatID,
		MsgType:   larkim.MsgTypeText,
		Content:   string(content),
	}

	var resp apiResponse
	url := a.baseURL + messagePath + "?receive_id_type=" + larkim.ReceiveIdTypeChatId
	if err := a.postJSON(ctx, "send message", url, token, body, channel.APIResponseCapacity, &resp); err != nil {
		return err
	}
	if resp.Code != 0 {
		a.log.Error("Feishu send rejected", "chat_id", chatID, "code", resp.Code, "msg", resp.Msg)
		if resp.Code == codeTokenInvalid || resp.Code == codeTokenExpired {
			a.dropToken(token)
		}
		return channel.ProtocolError("send message", resp.Code, resp.Msg)
	}
	return nil
}

// accessToken returns the cached tenant token, fetching a new one when it is
// missing or about to expire. Concurrent callers may each refresh.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	creds, gen, tok := a.creds, a.credGen, a.token
	a.mu.Unlock()

	if !creds.Complete() {
		return "", channel.ConfigError("authenticate")
	}
	if tok.usable(a.now()) {
		return tok.value, nil
	}

	value, ttl, err := a.authenticate(ctx, creds)
	if err != nil {
		a.log.Error("Feishu authentication failed", "app_id", creds.Identifier, "error", err)
		return "", err
	}

	a.mu.Lock()
	if a.credGen == gen {
		a.token = cachedToken{value: value, expiresAt: a.now().Add(ttl)}
	}
	a.mu.Unlock()

	a.log.Debug("Feishu tenant token refreshed", "expires_in_s", int(ttl.Seconds()))
	return value, nil
}

func (a *Adapter) authenticate(ctx context.Context, creds credentials.Pair) (string, time.Duration, error) {
	var resp authResponse
	req := authRequest{AppID: creds.Identifier, AppSecret: creds.Secret}
	if err := a.postJSON(ctx, "authenticate", a.baseURL+authPath, "", req, channel.AuthResponseCapacity, &resp); err != nil {
		return "", 0, err
	}
	if resp.Code != 0 {
		return "", 0, channel.ProtocolError("authenticate", resp.Code, resp.Msg)
	}
	if resp.TenantAccessToken == "" {
		return "", 0, channel.ProtocolError("authenticate", resp.Code, "response carried no tenant_access_token")
	}

	expire := resp.Expire
	if expire <= 0 {
		expire = defaultExpire
	}
	return resp.TenantAccessToken, time.Duration(expire) * time.Second, nil
}

func (a *Adapter) dropToken(value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token.value == value {
		a.token = cachedToken{}
	}
}

func (a *Adapter) postJSON(ctx context.Context, op, url, bearer string, body any, initialCap int, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", op, err)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return channel.TransportError(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return channel.TransportError(op, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return channel.TransportError(op, err)
	}
	defer resp.Body.Close()

	buf := channel.NewResponseBuffer(initialCap, channel.MaxResponseBytes)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}

	if err := buf.Decode(op, out); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return channel.TransportError(op, fmt.Errorf("http status %d", resp.StatusCode))
		}
		return err
	}
	return nil
}
