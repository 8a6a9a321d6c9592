package usbrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/hubertat/usbrelay/drivers"
)

const statusShutdownTimeout = time.Second

type statusPayload struct {
	Name      string          `json:"name"`
	Connected bool            `json:"connected"`
	Mask      uint8           `json:"mask"`
	Relays    map[string]bool `json:"relays"`
}

func maskRelayMap(mask drivers.RelayMask) map[string]bool {
	relays := map[string]bool{}
	for relay := uint(1); relay <= drivers.RelayCount; relay++ {
		relays[fmt.Sprint(relay)] = mask.On(relay)
	}
	return relays
}

func (ur *UsbRelay) statusSnapshot() statusPayload {
	ur.mu.Lock()
	defer ur.mu.Unlock()

	return statusPayload{
		Name:      ur.Name,
		Connected: ur.connected,
		Mask:      uint8(ur.applied),
		Relays:    maskRelayMap(ur.applied),
	}
}

func (ur *UsbRelay) statusRouter() *httprouter.Router {
	router := httprouter.New()
	router.GET("/status", ur.handleStatus)
	router.PUT("/relays/:relay", ur.handleRelayChange(true))
	router.DELETE("/relays/:relay", ur.handleRelayChange(false))
	return router
}

func (ur *UsbRelay) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(ur.statusSnapshot())
	if err != nil {
		ur.logger.Warn("status encode failed", "err", err)
	}
}

// handleRelayChange creates or removes the marker file; the relay itself
// switches when the reconciliation loop picks the change up.
func (ur *UsbRelay) handleRelayChange(on bool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		num, err := strconv.Atoi(params.ByName("relay"))
		if err != nil || num < 1 || num > drivers.RelayCount {
			http.Error(w, fmt.Sprintf("invalid relay number, valid numbers are 1-%d", drivers.RelayCount), http.StatusBadRequest)
			return
		}

		err = ur.setMarker(uint(num), on)
		if err != nil {
			ur.logger.Error("relay change request failed", "relay", num, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func (ur *UsbRelay) StartStatusServer(ctx context.Context) error {
	server := &http.Server{
		Addr:    ur.StatusAddr,
		Handler: ur.statusRouter(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	ur.logger.Info("status server listening", "addr", ur.StatusAddr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
