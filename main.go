// main.go
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairmeet/pairmeet/internal/client"
	"github.com/pairmeet/pairmeet/internal/config"
	"github.com/pairmeet/pairmeet/internal/quality"
	"github.com/pairmeet/pairmeet/internal/relay"
	"github.com/pairmeet/pairmeet/internal/room"
	"github.com/pairmeet/pairmeet/internal/session"
	"github.com/pairmeet/pairmeet/internal/signal"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	userName = flag.String("name", "", "Display name for the join command")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("pairmeet v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: pairmeet relay <directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires directory path and room")
			fmt.Fprintln(os.Stderr, "Usage: pairmeet join <directory> <room-url-or-token>")
			os.Exit(1)
		}
		runJoin(args[1], args[2])

	case "new-room":
		fmt.Println(relay.NewRoomToken())

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

func runRelay(dirArg string) {
	absDir, cfg := mustLoadConfig(dirArg)

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := room.NewRegistry(cfg.Relay.MaxParticipants)
	hub := relay.NewHub(reg)
	srv := relay.NewServer(cfg.Relay.Addr, cfg.Relay.ExternalURL, reg, hub)
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}

	// Capacity changes take effect on the next join; live rooms are left
	// alone.
	stop, err := config.Watch(absDir, func(fresh *config.Config) {
		reg.SetMaxParticipants(fresh.Relay.MaxParticipants)
		log.Printf("MAIN: max participants now %d", fresh.Relay.MaxParticipants)
	})
	if err != nil {
		log.Printf("MAIN: config watch unavailable: %v", err)
	} else {
		defer stop()
	}

	fmt.Printf("Relay running on %s (Press Ctrl+C to stop)\n", srv.URL())
	fmt.Printf("Mint a room: curl -X POST %s/api/rooms\n", srv.URL())
	<-ctx.Done()
	log.Println("Shutting down gracefully...")
}

// peer holds the join command's moving parts so the signaling callbacks and
// the stdin loop see the same session.
type peer struct {
	mu   sync.Mutex
	sess *session.Session
}

func (p *peer) session() *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

func runJoin(dirArg, roomArg string) {
	_, cfg := mustLoadConfig(dirArg)

	base, roomID, err := client.ParseRoom(roomArg)
	if err != nil {
		log.Fatalf("Invalid room: %v", err)
	}
	if base == "" {
		base = "http://" + cfg.Relay.Addr
	}

	mediaOpts := session.MediaOptions{
		MaxWidth:     cfg.Media.MaxWidth,
		MaxHeight:    cfg.Media.MaxHeight,
		VideoBitRate: cfg.Media.VideoBitRate,
	}
	devices, err := session.NewDevices(mediaOpts)
	if err != nil {
		log.Fatalf("Media setup failed: %v", err)
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	p := &peer{}

	// Dial before installing handlers: the callbacks close over conn, so the
	// read pump must not start until conn is fully assigned.
	conn, err := client.Dial(ctx, base, roomID)
	if err != nil {
		log.Fatalf("Relay connection failed: %v", err)
	}

	newSession := func(role room.Role) {
		sess, err := session.New(session.Config{
			RoomID:          roomID,
			Role:            role,
			Signaler:        conn,
			Devices:         devices,
			Media:           mediaOpts,
			ICEServers:      cfg.Media.ICEServers,
			QualityInterval: time.Duration(cfg.Quality.IntervalSec) * time.Second,
			OnStateChange: func(st session.State) {
				fmt.Printf("* session %s\n", st)
				if st == session.StateFailed || st == session.StateClosed {
					cancel()
				}
			},
			OnQuality: func(t quality.Tier) {
				fmt.Printf("* connection quality: %s\n", t)
			},
		})
		if err != nil {
			log.Fatalf("Session setup failed: %v", err)
		}
		p.mu.Lock()
		p.sess = sess
		p.mu.Unlock()
		if err := sess.Start(ctx); err != nil {
			log.Fatalf("Session start failed: %v", err)
		}
	}

	conn.Start(client.Handlers{
		OnRoomJoined: func(pl signal.RoomJoinedPayload) {
			role := room.RoleResponder
			if pl.IsInitiator {
				role = room.RoleInitiator
			}
			fmt.Printf("* joined room %s as %s (%d participant(s))\n",
				roomID, role, len(pl.Participants))
			newSession(role)
			if len(pl.Participants) > 1 {
				p.session().PeerJoined()
			}
		},
		OnUserJoined: func(pl signal.UserJoinedPayload) {
			fmt.Printf("* %s joined\n", pl.User.Name)
			if s := p.session(); s != nil {
				s.PeerJoined()
			}
		},
		OnUserLeft: func(pl signal.UserLeftPayload) {
			fmt.Printf("* %s left\n", pl.User.Name)
			if s := p.session(); s != nil {
				s.PeerLeft()
			}
		},
		OnOffer: func(_ string, sdp webrtc.SessionDescription) {
			if s := p.session(); s != nil {
				s.HandleOffer(sdp)
			}
		},
		OnAnswer: func(_ string, sdp webrtc.SessionDescription) {
			if s := p.session(); s != nil {
				s.HandleAnswer(sdp)
			}
		},
		OnCandidate: func(_ string, cand webrtc.ICECandidateInit) {
			if s := p.session(); s != nil {
				s.HandleCandidate(cand)
			}
		},
		OnChatMessage: func(m signal.ChatMessagePayload) {
			fmt.Printf("<%s> %s\n", m.Sender, m.Content)
		},
		OnChatHistory: func(h signal.ChatHistoryPayload) {
			for _, m := range h.Messages {
				fmt.Printf("<%s> %s\n", m.Sender, m.Content)
			}
		},
		OnRoomClosed: func() {
			fmt.Println("* room closed")
			cancel()
		},
		OnError: func(code, msg string) {
			fmt.Fprintf(os.Stderr, "relay error (%s): %s\n", code, msg)
			if code == "room_full" {
				cancel()
			}
		},
		OnDisconnect: func(err error) {
			if s := p.session(); s != nil && err != nil {
				s.SignalingLost(err)
			}
			cancel()
		},
	})

	if err := conn.Join(*userName); err != nil {
		log.Fatalf("Join failed: %v", err)
	}
	if err := conn.JoinChat(); err != nil {
		log.Fatalf("Chat join failed: %v", err)
	}

	go stdinLoop(ctx, cancel, conn, p)

	<-ctx.Done()
	if s := p.session(); s != nil {
		_ = s.Close()
	}
	_ = conn.Close()
	log.Println("Shutting down gracefully...")
}

// stdinLoop reads chat lines and slash commands until EOF or /quit.
func stdinLoop(ctx context.Context, cancel context.CancelFunc, conn *client.Client, p *peer) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := conn.SendChat(line, *userName); err != nil {
				fmt.Fprintf(os.Stderr, "chat send failed: %v\n", err)
			}
			continue
		}
		runCommand(ctx, cancel, line, p)
	}
	cancel()
}

func runCommand(ctx context.Context, cancel context.CancelFunc, line string, p *peer) {
	if line == "/quit" {
		cancel()
		return
	}

	s := p.session()
	if s == nil {
		fmt.Println("* no active session yet")
		return
	}
	if line == "/stats" {
		if lost, received, ok := s.InboundVideo(); ok {
			fmt.Printf("* inbound video: %d received, %d lost\n", received, lost)
		} else {
			fmt.Println("* no inbound video yet")
		}
		fmt.Printf("* remote sender reports: %d\n", s.RemoteSenderReports())
		return
	}

	ctl := s.Controller()
	if ctl == nil {
		fmt.Println("* no active session yet")
		return
	}

	var err error
	switch line {
	case "/mute":
		err = ctl.SetAudioEnabled(false)
	case "/unmute":
		err = ctl.SetAudioEnabled(true)
	case "/video off":
		err = ctl.SetVideoEnabled(false)
	case "/video on":
		err = ctl.SetVideoEnabled(true)
	case "/share":
		err = ctl.StartScreenShare(ctx)
	case "/unshare":
		err = ctl.StopScreenShare()
	default:
		fmt.Println("* commands: /mute /unmute /video on|off /share /unshare /stats /quit")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", line, err)
	}
}

func mustLoadConfig(dirArg string) (string, *config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	cfg, err := config.Load(absDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return absDir, cfg
}

func showUsage() {
	fmt.Println("pairmeet - pairwise video calls over a lightweight relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  pairmeet relay <directory>         Run the signaling relay")
	fmt.Println("  pairmeet join <directory> <room>   Join a room (URL or token)")
	fmt.Println("  pairmeet new-room                  Print a fresh room token")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the relay using <directory>/config.json")
	fmt.Println("        The file is created with defaults when missing")
	fmt.Println()
	fmt.Println("  join <directory> <room>")
	fmt.Println("        Join a room, capturing camera and microphone when available")
	fmt.Println("        <room> is a join URL (http://host/room/<token>) or a bare token")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -name     Display name used in the room and chat")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  pairmeet relay ./server")
	fmt.Println("  pairmeet -name Alice join ./peer http://127.0.0.1:8787/room/ab12cd34ef56")
}
