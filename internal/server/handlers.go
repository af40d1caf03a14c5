package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	clerrors "github.com/gluk-w/clusterlink/internal/errors"
	"github.com/gluk-w/clusterlink/internal/logging"
	"github.com/gluk-w/clusterlink/internal/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var count int64
	if s.opts.Store != nil {
		n, err := s.opts.Store.Count(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		count = n
	}
	writeJSON(w, http.StatusOK, rpc.StatusResponse{
		Name:          s.opts.Name,
		Version:       s.opts.Version,
		DenAuth:       s.auth.Enabled(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Keys:          count,
	})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, clerrors.ErrKeyNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	data, err := s.opts.Store.Get(r.Context(), key, r.URL.Query().Get("env"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.ObjectResponse{Data: data})
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	var req rpc.PutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	if err := s.opts.Store.Put(r.Context(), req.Key, req.Data, req.Env); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request) {
	var req rpc.DeleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Store.Delete(r.Context(), req.Keys, req.Env); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.opts.Store.Keys(r.Context(), r.URL.Query().Get("env"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.KeysResponse{Keys: keys})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req rpc.ClearRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.opts.Store.Clear(r.Context(), req.Env); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req rpc.RenameRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" || req.NewKey == "" {
		writeError(w, http.StatusBadRequest, "key and new_key are required")
		return
	}
	if err := s.opts.Store.Rename(r.Context(), req.Key, req.NewKey, req.Env); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req rpc.SettingsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.auth.Set(req.DenAuth, req.FlushAuthCache)
	logging.Infof("[daemon] den auth set to %v (flush cache: %v)", req.DenAuth, req.FlushAuthCache)
	writeJSON(w, http.StatusOK, map[string]bool{"den_auth": req.DenAuth})
}

func (s *Server) handleCert(w http.ResponseWriter, r *http.Request) {
	if s.opts.CertPath == "" {
		writeError(w, http.StatusNotFound, "server is not using a certificate")
		return
	}
	data, err := os.ReadFile(s.opts.CertPath)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("read certificate: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	module := chi.URLParam(r, "module")
	method := chi.URLParam(r, "method")

	var req rpc.CallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	fn, err := s.opts.Registry.Lookup(module, method)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	runName := req.RunName
	if runName == "" && (req.RunAsync || req.Save) {
		runName = method + "_" + uuid.NewString()
	}

	if req.RunAsync {
		go func() {
			// detached from the request so the run outlives it
			result, err := fn(context.Background(), req.Args, req.Kwargs)
			if err != nil {
				logging.Warnf("[daemon] async run %s (%s.%s) failed: %v", runName, module, method, err)
				result = map[string]string{"error": err.Error()}
			}
			if err := s.saveResult(context.Background(), runName, result); err != nil {
				logging.Warnf("[daemon] save result of %s: %v", runName, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, rpc.CallResponse{RunName: runName})
		return
	}

	result, err := fn(r.Context(), req.Args, req.Kwargs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s.%s: %v", module, method, err))
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("encode result: %v", err))
		return
	}
	if req.Save {
		if err := s.opts.Store.Put(r.Context(), runName, data, ""); err != nil {
			s.storeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, rpc.CallResponse{Data: data, RunName: runName})
}

func (s *Server) saveResult(ctx context.Context, runName string, result any) error {
	if s.opts.Store == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.opts.Store.Put(ctx, runName, data, "")
}
