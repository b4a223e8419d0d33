package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"nhooyr.io/websocket"

	"voiceagent/server/internal/protoo"
	"voiceagent/server/internal/worker"
)

// printer shows everything the gateway sends.
type printer struct{}

func (printer) HandleRequest(ctx context.Context, s *protoo.Session, req *protoo.Request) (any, error) {
	fmt.Printf("[%s] <- request %s %s\n", stamp(), req.Method, req.Data)
	return nil, protoo.NotImplemented("probe does not serve requests")
}

func (printer) HandleNotification(ctx context.Context, s *protoo.Session, n *protoo.Notification) {
	data := string(n.Data)
	if len(data) > 200 {
		data = data[:200] + "..."
	}
	fmt.Printf("[%s] <- %s %s\n", stamp(), n.Method, data)
}

func (printer) Closed(s *protoo.Session) {
	fmt.Printf("[%s] connection closed\n", stamp())
}

func stamp() string { return time.Now().Format("15:04:05.000") }

func main() {
	_ = godotenv.Load()

	url := flag.String("url", "ws://127.0.0.1:5555/voiceagent", "Gateway websocket URL")
	room := flag.String("room", "probe-room", "Room ID")
	user := flag.String("user", "probe-"+time.Now().Format("150405"), "User ID")
	pcmPath := flag.String("pcm", "", "Raw 16 kHz mono s16le PCM file to stream as pcm_data")
	chunk := flag.Int("chunk", 3200, "PCM bytes per pcm_data notification")
	pace := flag.Duration("pace", 100*time.Millisecond, "Delay between pcm_data notifications")
	asWorker := flag.Bool("as-worker", true, "Announce as the worker so pcm_data is routed back to this connection")
	timeout := flag.Duration("timeout", 30*time.Second, "How long to wait for replies after streaming")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, *url, nil)
	cancel()
	if err != nil {
		log.Fatalf("dial %s: %v", *url, err)
	}
	sess := protoo.NewSession(protoo.NewWSTransport(conn), printer{}, protoo.SessionOptions{Peer: *url})
	go sess.Run(ctx)
	defer sess.Close()

	fmt.Printf("=== voiceagent probe ===\n")
	fmt.Printf("Gateway: %s\nRoom: %s  User: %s\n\n", *url, *room, *user)

	echoType := "probe"
	if *asWorker {
		echoType = worker.Subject
	}
	echo := map[string]any{"type": echoType, "ts": time.Now().UnixMilli()}
	if tok := os.Getenv(worker.TokenEnv); tok != "" {
		echo["token"] = tok
	}
	fmt.Println("[1] echo")
	start := time.Now()
	res, err := sess.Request(ctx, "echo", echo)
	if err != nil {
		log.Fatalf("echo: %v", err)
	}
	fmt.Printf("    -> %s (%s)\n", res, time.Since(start).Round(time.Millisecond))

	if *pcmPath == "" {
		return
	}
	pcm, err := os.ReadFile(*pcmPath)
	if err != nil {
		log.Fatalf("read pcm: %v", err)
	}

	// route the user to this connection, the gateway echoes it to us as opus_data
	fmt.Println("[2] input_audio_buffer.append")
	err = sess.Notify(ctx, "input_audio_buffer.append", map[string]string{
		"roomId": *room, "userId": *user, "audio": base64.StdEncoding.EncodeToString([]byte("probe")), "codec": "opus",
	})
	if err != nil {
		log.Fatalf("append: %v", err)
	}

	fmt.Printf("[3] streaming %d bytes of PCM\n", len(pcm))
	if err := stream(ctx, sess, *room, *user, pcm, *chunk, *pace); err != nil {
		log.Fatalf("stream: %v", err)
	}

	fmt.Println("\n[*] waiting for notifications, Ctrl+C to exit")
	select {
	case <-ctx.Done():
		fmt.Println("[*] interrupted")
	case <-sess.Done():
	case <-time.After(*timeout):
		fmt.Println("[*] timeout reached")
	}
}

func stream(ctx context.Context, sess *protoo.Session, room, user string, pcm []byte, chunk int, pace time.Duration) error {
	if chunk <= 0 {
		chunk = 3200
	}
	if pace <= 0 {
		pace = 100 * time.Millisecond
	}
	t := time.NewTicker(pace)
	defer t.Stop()
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		err := sess.Notify(ctx, "pcm_data", map[string]string{
			"roomId": room,
			"userId": user,
			"msg":    base64.StdEncoding.EncodeToString(pcm[off:end]),
		})
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
