// replay_check drives a running optad through a disconnect and resume and
// verifies the stream neither duplicates nor skips events.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/optad/internal/protocol"
)

type checker struct {
	base    string
	token   string
	session string
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "daemon base URL")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token")
	session := flag.String("session", fmt.Sprintf("replay-check-%d", time.Now().Unix()), "session id to use")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := &checker{base: strings.TrimRight(*base, "/"), token: strings.TrimSpace(*token), session: *session}

	_, resp, err := websocket.Dial(ctx, c.wsURL(0), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		fail("expected 401 for a dial without token, got response=%v err=%v", resp, err)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", resp.StatusCode)

	if err := c.submit(ctx, "replay check first turn"); err != nil {
		fail("submit: %v", err)
	}
	first, err := c.readUntilTurnEnd(ctx, 0, 1)
	if err != nil {
		fail("first stream: %v", err)
	}
	// Resume from the middle of the first turn.
	cursor := first[len(first)/2].Seq
	fmt.Printf("PHASE1 events=%d resume_after=%d\n", len(first), cursor)

	if err := c.submit(ctx, "replay check second turn"); err != nil {
		fail("submit: %v", err)
	}
	second, err := c.readUntilTurnEnd(ctx, cursor, 2)
	if err != nil {
		fail("resumed stream: %v", err)
	}

	last := cursor
	for _, env := range second {
		if env.Event == protocol.KindReplayGap {
			fail("unexpected replay.gap on a fresh session: %s", env.Payload)
		}
		if env.Seq <= last {
			fail("seq %d delivered after %d", env.Seq, last)
		}
		if env.Seq != last+1 {
			fail("seq jumped from %d to %d", last, env.Seq)
		}
		last = env.Seq
	}
	fmt.Printf("PHASE2 events=%d first=%d last=%d\n", len(second), cursor+1, last)
	fmt.Println("VERDICT PASS")
}

func (c *checker) wsURL(after uint64) string {
	u := strings.Replace(c.base, "http", "ws", 1) + "/v3/ws"
	q := url.Values{"sessionId": {c.session}, "afterSeq": {fmt.Sprint(after)}}
	return u + "?" + q.Encode()
}

func (c *checker) submit(ctx context.Context, input string) error {
	body, _ := json.Marshal(map[string]string{"input": input})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v3/sessions/"+url.PathEscape(c.session)+"/turns", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// readUntilTurnEnd streams from after until it has seen ends turn.end
// events, then disconnects.
func (c *checker) readUntilTurnEnd(ctx context.Context, after uint64, ends int) ([]protocol.Envelope, error) {
	conn, _, err := websocket.Dial(ctx, c.wsURL(after), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var out []protocol.Envelope
	for ends > 0 {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return out, fmt.Errorf("read: %w", err)
		}
		out = append(out, env)
		if env.Event == protocol.KindTurnEnd {
			ends--
		}
	}
	return out, nil
}
