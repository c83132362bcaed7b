package api

import (
	"encoding/json"
	"net/http"
)

type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, statusResponse{Success: false, Message: message})
}

func writeOK(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: message})
}
