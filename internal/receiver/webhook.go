package receiver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	tele "gopkg.in/telebot.v4"

	logx "luckybot/pkg/logx"
)

const (
	secretHeader    = "X-Telegram-Bot-Api-Secret-Token"
	requestIDHeader = "X-Request-Id"

	maxBodyBytes = 1 << 20

	// enqueueTimeout bounds a store that no longer depends on the client.
	enqueueTimeout = 15 * time.Second
)

var errBadRequest = errors.New("bad request")

type ctxKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// withRequestID tags the request with an id, echoed in the response.
func (r *Receiver) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxKey{}, id)))
	})
}

func (r *Receiver) webhook(w http.ResponseWriter, req *http.Request) {
	log := r.log.With(logx.String("req_id", requestID(req.Context())))

	payload, at, err := r.validate(w, req)
	if err != nil {
		log.Warn("webhook request rejected", logx.Err(err))
		r.respond(w, http.StatusBadRequest)
		return
	}

	// A client hanging up must not abort the write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), enqueueTimeout)
	id, err := r.inbox.Enqueue(ctx, payload, at)
	cancel()
	if errors.Is(err, context.Canceled) {
		log.Warn("update not stored, request canceled", logx.Err(err))
		r.respond(w, http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		log.Error("storing update failed, stopping", logx.Err(err))
		r.respond(w, http.StatusInternalServerError)
		r.failWith(err)
		return
	}
	if r.wake != nil {
		r.wake.Set()
	}
	log.Debug("update queued", logx.Int64("msg_id", id))
	r.respond(w, http.StatusOK)
}

func (r *Receiver) respond(w http.ResponseWriter, code int) {
	if r.rec != nil {
		r.rec.Ingested(code)
	}
	if code == http.StatusOK {
		w.WriteHeader(code)
		return
	}
	http.Error(w, http.StatusText(code), code)
}

// validate checks the shared secret and that the body is a JSON update.
// It returns the raw body and the message date, or now when absent.
func (r *Receiver) validate(w http.ResponseWriter, req *http.Request) ([]byte, time.Time, error) {
	got := req.Header.Get(secretHeader)
	if r.cfg.SecretToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(r.cfg.SecretToken)) != 1 {
		return nil, time.Time{}, errors.New("secret token mismatch")
	}
	if mt, _, err := mime.ParseMediaType(req.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		return nil, time.Time{}, errors.New("content type is not application/json")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		return nil, time.Time{}, err
	}
	var upd tele.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		return nil, time.Time{}, errors.Join(errBadRequest, err)
	}
	if upd.ID <= 0 {
		return nil, time.Time{}, errors.Join(errBadRequest, errors.New("missing update_id"))
	}
	at := r.now()
	if upd.Message != nil && upd.Message.Unixtime > 0 {
		at = time.Unix(upd.Message.Unixtime, 0)
	}
	return body, at, nil
}
