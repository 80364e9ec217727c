// Command screamrouterd runs the audio routing engine: it accepts RTP,
// raw Scream, and per-process Scream audio on UDP, resolves stream
// format via SAP or auto-probe, timeshifts and mixes sources, and
// re-emits Scream frames to configured sinks. CLI surface follows the
// doismellburning-samoyed pflag idiom; process wiring follows the
// teacher's cmd/sip-tg-bridge/main.go shape (load config, build a
// slog logger, start the long-lived service, wait for signal).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/screamrouter/audioengine/internal/config"
	"github.com/screamrouter/audioengine/internal/engine/capture"
	"github.com/screamrouter/audioengine/internal/engine/queue"
	"github.com/screamrouter/audioengine/internal/engine/receiver"
	"github.com/screamrouter/audioengine/internal/engine/rtpio"
	"github.com/screamrouter/audioengine/internal/engine/sink"
	"github.com/screamrouter/audioengine/internal/engine/source"
	"github.com/screamrouter/audioengine/internal/engine/telemetry"
	"github.com/screamrouter/audioengine/internal/engine/timeshift"
	"github.com/screamrouter/audioengine/internal/engine/types"
)

func main() {
	configPath := pflag.StringP("config", "c", "screamrouterd.yaml", "Path to the YAML configuration file.")
	logLevel := pflag.StringP("log-level", "l", "", "Override the configured log level (debug, info, warn, error).")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: screamrouterd [flags]\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type logDiscovery struct{ log *slog.Logger }

func (d logDiscovery) OnSourceDiscovered(remoteAddr string, ssrc uint32) {
	d.log.Info("source discovered", "addr", remoteAddr, "ssrc", ssrc)
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var wg sync.WaitGroup

	timingMgr := timeshift.NewManager(cfg.Timeshift, log.With("component", "timeshift"))
	counters := telemetry.NewRegistry()
	_ = counters // not handed to any component, so it stays empty

	local := rtpio.NewLocalSSRCRegistry()
	var sapDir *rtpio.SAPDirectory
	if cfg.Network.SAPEnabled {
		sapDir = rtpio.NewSAPDirectory(local, log.With("component", "sap"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sapDir.ListenAndServe(ctx.Done()); err != nil {
				log.Error("sap listener stopped", "error", err)
			}
		}()
	}

	var sapResolver receiver.SAPResolver
	if sapDir != nil {
		sapResolver = sapDir
	}

	rtpReceiver := receiver.New(log.With("component", "rtp_receiver"), sapResolver, logDiscovery{log}, timingMgr)
	if err := serveUDP(ctx, &wg, cfg.Network.RTPListenAddr, log, rtpReceiver.HandleDatagram); err != nil {
		return fmt.Errorf("rtp listener: %w", err)
	}

	screamReceiver := receiver.NewScreamReceiver(log.With("component", "scream_receiver"), timingMgr)
	if err := serveUDP(ctx, &wg, cfg.Network.ScreamRawListenAddr, log, screamReceiver.HandleDatagram); err != nil {
		return fmt.Errorf("scream raw listener: %w", err)
	}

	perProcessReceiver := receiver.NewPerProcessScreamReceiver(log.With("component", "scream_per_process_receiver"), timingMgr)
	if err := serveUDP(ctx, &wg, cfg.Network.ScreamPerProcessAddr, log, perProcessReceiver.HandleDatagram); err != nil {
		return fmt.Errorf("scream per-process listener: %w", err)
	}

	for _, cc := range cfg.Captures {
		cc := cc
		captureSrc, err := capture.OpenPortAudioSource(capture.Config{
			HwID:       cc.HwID,
			SourceTag:  cc.SourceTag,
			Channels:   cc.Channels,
			SampleRate: cc.SampleRate,
			BitDepth:   cc.BitDepth,
			PeriodSize: cc.PeriodSize,
		})
		if err != nil {
			log.Error("capture device unavailable, skipping", "hw_id", cc.HwID, "error", err)
			continue
		}
		capRecv := capture.New(capture.Config{
			HwID: cc.HwID, SourceTag: cc.SourceTag, Channels: cc.Channels,
			SampleRate: cc.SampleRate, BitDepth: cc.BitDepth, PeriodSize: cc.PeriodSize,
		}, captureSrc, timingMgr, log.With("component", "capture", "hw_id", cc.HwID))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			capRecv.Close()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			capRecv.Run(ctx.Done())
		}()
	}

	sourceOutputs := make(map[string]*queue.Bounded[types.ProcessedAudioChunk])
	for _, sc := range cfg.Sources {
		sc := sc
		inQueue := queue.New[types.TaggedAudioPacket](cfg.Timeshift.DefaultConsumerQueueCap)
		cmdQueue := queue.New[source.Command](16)
		outQueue := queue.New[types.ProcessedAudioChunk](64)
		sourceOutputs[sc.InstanceID] = outQueue

		reporter := source.NewTimeshiftReporter(timingMgr, sc.SourceTagFilter, inQueue, sc.DelayMs, sc.BackshiftSec)
		timingMgr.RegisterProcessor(sc.InstanceID, sc.SourceTagFilter, inQueue, sc.DelayMs, sc.BackshiftSec)

		proc := source.New(sc.InstanceID, sc.OutputRate, sc.OutputChannels, sc.OutputBits, inQueue, cmdQueue, outQueue, reporter, log.With("component", "source", "instance_id", sc.InstanceID))
		cmdQueue.Push(source.Command{Kind: source.SetVolume, Volume: sc.Volume})
		cmdQueue.Push(source.Command{Kind: source.SetEQ, EQ: sc.EQ})

		wg.Add(1)
		go func() {
			defer wg.Done()
			runProcessorLoop(ctx, proc)
		}()
	}

	for _, skc := range cfg.Sinks {
		skc := skc
		sender, err := newSinkSender(skc.UDPAddr, skc.TCPAddr, log)
		if err != nil {
			log.Error("sink socket setup failed, skipping", "sink", skc.Name, "error", err)
			continue
		}
		mixer := sink.New(sink.Config{
			SampleRate:  skc.SampleRate,
			BitDepth:    skc.BitDepth,
			Channels:    skc.Channels,
			ChLayout1:   skc.ChLayout1,
			ChLayout2:   skc.ChLayout2,
			GracePeriod: skc.GracePeriod,
		}, sender, log.With("component", "sink", "name", skc.Name))

		routed := skc.Sources
		if len(routed) == 0 {
			for instanceID := range sourceOutputs {
				routed = append(routed, instanceID)
			}
		}
		routedQueues := make(map[string]*queue.Bounded[types.ProcessedAudioChunk], len(routed))
		for _, instanceID := range routed {
			outQueue, ok := sourceOutputs[instanceID]
			if !ok {
				log.Warn("sink routes to unknown source, skipping", "sink", skc.Name, "instance_id", instanceID)
				continue
			}
			mixer.AddInputQueue(instanceID, outQueue)
			routedQueues[instanceID] = outQueue
		}
		if skc.MP3Enabled {
			log.Warn("mp3 output requested but no LAME encoder is bound in this build", "sink", skc.Name)
		}

		rateCtl := sink.NewRateController()
		cycleInterval := time.Duration(float64(types.SinkMixingBufferSamples) / float64(skc.Channels*skc.SampleRate) * float64(time.Second))

		wg.Add(1)
		go func() {
			defer wg.Done()
			runSinkLoop(ctx, mixer, rateCtl, routedQueues, cycleInterval, log.With("component", "rate_controller", "sink", skc.Name))
		}()
	}

	<-ctx.Done()
	log.Info("shutting down")
	wg.Wait()
	return nil
}

// serveUDP starts a UDP datagram server on addr; each received packet is
// handed to handle. On a socket error it logs and backs off 10ms before
// re-looping (spec §7 "SocketError").
func serveUDP(ctx context.Context, wg *sync.WaitGroup, addr string, log *slog.Logger, handle func(remoteAddr string, data []byte, now time.Time)) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		buf := make([]byte, 65535)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_ = conn.SetReadDeadline(time.Now().Add(time.Second))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				log.Warn("udp receive error", "addr", addr, "error", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			data := append([]byte(nil), buf[:n]...)
			handle(raddr.String(), data, time.Now())
		}
	}()
	return nil
}

func runProcessorLoop(ctx context.Context, p *source.Processor) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.Pump() {
			time.Sleep(time.Millisecond)
		}
	}
}

// runSinkLoop paces Mixer.Cycle at the sink's frame interval. Backlog
// diagnostics are derived from queue depth in whole chunks (spec §4.10
// wants a backlog-ms signal per source; no closed-loop channel back
// into SourceInputProcessor/TimeshiftManager exists yet, so the
// resulting rate commands are logged rather than applied).
func runSinkLoop(ctx context.Context, m *sink.Mixer, rateCtl *sink.RateController, queues map[string]*queue.Bounded[types.ProcessedAudioChunk], interval time.Duration, log *slog.Logger) {
	chunkMs := interval.Seconds() * 1000
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case <-ticker.C:
			m.Cycle(time.Sleep)
			for instanceID, q := range queues {
				backlogMs := float64(q.Len()) * chunkMs
				if rate, ok := rateCtl.Observe(instanceID, backlogMs); ok {
					log.Debug("rate command", "instance_id", instanceID, "rate", rate)
				}
			}
		}
	}
}

// sinkSender implements sink.PacketSender over a dedicated UDP socket
// and an optional TCP connection (spec §4.9 step 4; spec §7
// "SocketError": a dead TCP descriptor stays dead until re-set
// externally).
type sinkSender struct {
	udpConn *net.UDPConn

	mu      sync.Mutex
	tcpConn net.Conn
}

func newSinkSender(udpAddr, tcpAddr string, log *slog.Logger) (*sinkSender, error) {
	s := &sinkSender{}
	if udpAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve udp sink addr %s: %w", udpAddr, err)
		}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			return nil, fmt.Errorf("dial udp sink addr %s: %w", udpAddr, err)
		}
		s.udpConn = conn
	}
	if tcpAddr != "" {
		conn, err := net.Dial("tcp", tcpAddr)
		if err != nil {
			log.Warn("sink tcp dial failed, will stay unset until SetTCPConn is called", "addr", tcpAddr, "error", err)
		} else {
			s.tcpConn = conn
		}
	}
	return s, nil
}

// SetTCPConn implements the control surface's set_tcp_fd operation.
func (s *sinkSender) SetTCPConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcpConn = conn
}

func (s *sinkSender) SendUDP(frame []byte) error {
	if s.udpConn == nil {
		return nil
	}
	_, err := s.udpConn.Write(frame)
	return err
}

func (s *sinkSender) SendTCP(frame []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpConn == nil {
		return false, nil
	}
	if _, err := s.tcpConn.Write(frame); err != nil {
		s.tcpConn = nil
		return false, err
	}
	return true, nil
}
