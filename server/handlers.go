package server

import (
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/leptonai/go-lepton/common"
)

func logAndRespondWithError(w http.ResponseWriter, errMsg string, code int) {
	glog.Error(errMsg)
	http.Error(w, errMsg, code)
}

func mustHaveFormParams(h http.Handler, params ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			logAndRespondWithError(w, "parse form error", http.StatusInternalServerError)
			return
		}

		for _, param := range params {
			if r.FormValue(param) == "" {
				logAndRespondWithError(w, fmt.Sprintf("missing form param: %s", param), http.StatusBadRequest)
				return
			}
		}

		h.ServeHTTP(w, r)
	})
}

func setLogVerbosityHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := r.FormValue("v")
		vFlag := flag.Lookup("v")
		if vFlag == nil {
			logAndRespondWithError(w, "log verbosity flag not registered", http.StatusInternalServerError)
			return
		}
		if err := vFlag.Value.Set(v); err != nil {
			logAndRespondWithError(w, fmt.Sprintf("invalid verbosity: %s", v), http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"v": v})
	})
}

func setMaxInferenceTimeoutHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := time.ParseDuration(r.FormValue("timeout"))
		if err != nil || d <= 0 {
			logAndRespondWithError(w, fmt.Sprintf("invalid timeout: %s", r.FormValue("timeout")), http.StatusBadRequest)
			return
		}
		common.MaxInferenceTimeout = d
		respondJSON(w, http.StatusOK, map[string]string{"timeout": d.String()})
	})
}
