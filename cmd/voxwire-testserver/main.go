// Standalone reference endpoint for manual client testing. It accepts
// voice sessions and scripts one canned greeting turn per connection:
// status updates, streamed tokens, a synthesized tone, then the finalized
// transcript and a latency report.
package main

import (
	"math"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/voxwire/voxwire/internal/testserver"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	server := testserver.New(os.Getenv("VOXWIRE_TOKEN_SECRET"), logger)

	server.OnConnect = func(sessionID string) {
		greeting := "hello, this session is connected to the reference endpoint"

		server.SendStatus("listening")
		time.Sleep(500 * time.Millisecond)

		server.SendStatus("thinking")
		for _, token := range []string{"hello, ", "this session ", "is connected"} {
			server.SendToken(token)
			time.Sleep(100 * time.Millisecond)
		}

		server.SendStatus("speaking")
		server.SendAudioPCM(tone(440, time.Second, 16000), 16000)
		server.SendTranscript("assistant", greeting)
		server.SendPerf(120, 40, 600, 220, 980)
		server.SendStatus("listening")

		// Keepalive probes for as long as the client stays.
		for range time.Tick(30 * time.Second) {
			server.SendPing()
		}
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("Reference endpoint started", zap.String("port", port))
	if err := server.Serve(":" + port); err != nil && err != http.ErrServerClosed {
		logger.Fatal("shutting down the server", zap.Error(err))
	}
}

// tone renders a sine wave as mono PCM16.
func tone(freq float64, duration time.Duration, sampleRate int) []byte {
	samples := int(float64(sampleRate) * duration.Seconds())
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}
