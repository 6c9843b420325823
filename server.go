package main

import (
	"encoding/json"
	"net/http"
	"time"
)

// CORS 헤더 추가
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HealthResponse - 헬스 체크 응답
type HealthResponse struct {
	Status     string `json:"status"`
	Service    string `json:"service"`
	ActiveJobs int    `json:"activeJobs"`
	Queue      bool   `json:"queue"`
	Uptime     string `json:"uptime"`
}

// 헬스 체크 엔드포인트
func (a *app) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status:     "healthy",
		Service:    "quel-fitting",
		ActiveJobs: a.orch.ActiveJobs(),
		Queue:      a.worker != nil,
		Uptime:     time.Since(a.started).Round(time.Second).String(),
	})
}
