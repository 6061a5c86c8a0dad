package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pingcap-incubator/tinymesh/core"
	"github.com/pingcap-incubator/tinymesh/handler"
	"github.com/pingcap-incubator/tinymesh/host"
	"github.com/pingcap-incubator/tinymesh/protocol"
	"github.com/pingcap/errcode"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/unrolled/render"
	"go.uber.org/zap"
)

type lockHandler struct {
	h  *host.Host
	rd *render.Render
}

func newLockHandler(h *host.Host, rd *render.Render) *lockHandler {
	return &lockHandler{
		h:  h,
		rd: rd,
	}
}

func (l *lockHandler) List(w http.ResponseWriter, r *http.Request) {
	l.rd.JSON(w, http.StatusOK, handler.LockedKeys(l.h.Locker()))
}

// UnlockAnyway releases the key given by the "key" query parameter. Keys may contain slashes, so it isn't a path
// variable.
func (l *lockHandler) UnlockAnyway(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		errorResp(l.rd, w, errcode.NewInvalidInputErr(errors.New("missing key")))
		return
	}
	released := l.h.Locker().UnlockAnyway(key)
	log.Warn("key unlocked through status API", zap.String("key", key), zap.Bool("released", released))
	l.rd.JSON(w, http.StatusOK, &protocol.UnlockKeyResult{Released: released})
}

type transactionHandler struct {
	h  *host.Host
	rd *render.Render
}

func newTransactionHandler(h *host.Host, rd *render.Render) *transactionHandler {
	return &transactionHandler{
		h:  h,
		rd: rd,
	}
}

func (t *transactionHandler) List(w http.ResponseWriter, r *http.Request) {
	t.rd.JSON(w, http.StatusOK, t.h.Center().GetOpenTransactionIDs())
}

func (t *transactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := t.h.Center().GetTransaction(id)
	if !ok {
		errorResp(t.rd, w, core.TransactionNotFoundErr{TxnID: id})
		return
	}
	t.rd.JSON(w, http.StatusOK, info)
}

func (t *transactionHandler) Commit(w http.ResponseWriter, r *http.Request) {
	t.finalize(w, r, true)
}

func (t *transactionHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	t.finalize(w, r, false)
}

func (t *transactionHandler) finalize(w http.ResponseWriter, r *http.Request, commit bool) {
	id := mux.Vars(r)["id"]
	var (
		found bool
		err   error
	)
	if commit {
		found, err = t.h.Center().Commit(id)
	} else {
		found, err = t.h.Center().Rollback(id)
	}
	log.Warn("transaction finalized through status API",
		zap.String("txn", id),
		zap.Bool("commit", commit),
		zap.Bool("found", found),
		zap.Error(err))
	if err != nil {
		errorResp(t.rd, w, core.NewHandlerExceptionErr(err))
		return
	}
	t.rd.JSON(w, http.StatusOK, &protocol.FinalizeResult{TxnID: id, Found: found})
}

type serviceHandler struct {
	h  *host.Host
	rd *render.Render
}

func newServiceHandler(h *host.Host, rd *render.Render) *serviceHandler {
	return &serviceHandler{
		h:  h,
		rd: rd,
	}
}

func (s *serviceHandler) List(w http.ResponseWriter, r *http.Request) {
	s.rd.JSON(w, http.StatusOK, s.h.Services())
}

func (s *serviceHandler) Enable(w http.ResponseWriter, r *http.Request) {
	s.setEnable(w, r, true)
}

func (s *serviceHandler) Disable(w http.ResponseWriter, r *http.Request) {
	s.setEnable(w, r, false)
}

func (s *serviceHandler) setEnable(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := mux.Vars(r)["name"]
	if err := s.h.SetServiceEnable(name, enabled); err != nil {
		errorResp(s.rd, w, err)
		return
	}
	s.rd.JSON(w, http.StatusOK, nil)
}
