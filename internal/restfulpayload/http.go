package restfulpayload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/CamberLoid/Satori/internal/errcode"
	"github.com/pkg/errors"
)

// 响应体读取上限
const maxResponseBytes = 8 << 20

// RemoteError 是对端返回的失败响应。
// 对端给出了错误分类时，errcode.As 能在错误链上找到它
type RemoteError struct {
	StatusCode int
	Message    string
	Kind       errcode.Kind
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.Kind == errcode.KindUnknown {
		return nil
	}
	return errcode.New(e.Kind, e.Message)
}

// JoinURL 拼接服务地址与路径，路径中的各段会被转义
func JoinURL(base string, elem ...string) (string, error) {
	escaped := make([]string, len(elem))
	for i, e := range elem {
		escaped[i] = url.PathEscape(e)
	}
	u, err := url.JoinPath(base, escaped...)
	return u, errors.Wrap(err, "invalid server url")
}

// DoJSON 发送一个 JSON 请求并把成功响应解码到 out。body 或 out 可以为 nil
func DoJSON(ctx context.Context, hc *http.Client, method, target string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return Do(hc, req, out)
}

// Do 执行请求；非 2xx 响应解码为 *RemoteError
func Do(hc *http.Client, req *http.Request, out interface{}) error {
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr := &RemoteError{StatusCode: resp.StatusCode, Message: resp.Status}
		var f Failure
		if json.Unmarshal(data, &f) == nil && f.Err != "" {
			rerr.Message = f.Err
			rerr.Kind = errcode.ParseKind(f.Kind)
		}
		return rerr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, out), "decode response")
}
