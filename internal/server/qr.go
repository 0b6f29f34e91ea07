package server

import (
	"net"
	"net/http"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/beamdrop/beamdrop/pkg/proto"
)

// handleQR renders a pairing QR code for the advertised server URL. The
// sender app scans it instead of typing the address by hand. The secret is
// never embedded; the sender still has to present the PIN.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, proto.CodeValidation, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	host := r.URL.Query().Get("host")
	if host == "" {
		// Fall back to whatever host the client reached us on.
		host = r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}

	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 64 && n <= 1024 {
			size = n
		}
	}

	png, err := qrcode.Encode(s.URL(host), qrcode.Medium, size)
	if err != nil {
		s.jsonError(w, proto.CodeInternalIO, "render QR code: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	_, _ = w.Write(png)
}
