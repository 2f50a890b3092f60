package main

import (
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"ot2-driver/internal/robot/infrastructure/discovery"
	"ot2-driver/internal/robot/ot2test"
)

func main() {
	addr := getenvDefault("FAKE_OT2_ADDR", ":31950")
	autoComplete := getenvIntDefault("FAKE_OT2_AUTOCOMPLETE_POLLS", 3)
	latencyMs := getenvIntDefault("FAKE_OT2_LATENCY_MS", 0)
	advertise := getenvDefault("FAKE_OT2_ADVERTISE", "") == "1"
	name := getenvDefault("FAKE_OT2_NAME", "opentrons-fake")

	fake := ot2test.NewRobot()
	fake.SetAutoComplete(autoComplete)

	var handler http.Handler = fake
	if latencyMs > 0 {
		latency := time.Duration(latencyMs) * time.Millisecond
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(latency)
			fake.ServeHTTP(w, r)
		})
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}
	if advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		server, err := discovery.Advertise(name, port, []string{"model=OT-2 Standard"})
		if err != nil {
			log.Fatalf("mdns advertise: %v", err)
		}
		defer server.Shutdown()
		log.Printf("fake OT-2 advertised as %s on port %d", name, port)
	}

	log.Printf("fake OT-2 server listening on %s (autocomplete after %d polls)", listener.Addr(), autoComplete)
	log.Fatal(http.Serve(listener, loggingHandler(handler)))
}

func loggingHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
