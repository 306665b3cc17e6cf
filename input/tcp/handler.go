package tcp

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Oberacda/dblogd/errors"
	"github.com/Oberacda/dblogd/message"
)

// handleConnection runs inside a pool worker for the lifetime of one
// connection. It reads newline-delimited frames, decodes each, resolves the
// sensor identity, and persists the reading. Per-message failures are
// logged and the loop continues; only transport failures end the session.
func (i *Input) handleConnection(ctx context.Context, conn net.Conn) error {
	connID := uuid.NewString()
	logger := i.logger.With("connection", connID, "remote", conn.RemoteAddr().String())

	i.trackConn(connID, conn)
	defer func() {
		i.untrackConn(connID)
		_ = conn.Close()
	}()

	logger.Info("connection opened")

	var limiter *rate.Limiter
	if i.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(i.cfg.MessagesPerSecond), int(i.cfg.MessagesPerSecond)+1)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), i.cfg.MaxFrameBytes)

	for {
		select {
		case <-ctx.Done():
			logger.Info("connection closed", "reason", "shutdown")
			return nil
		case <-i.shutdown:
			logger.Info("connection closed", "reason", "shutdown")
			return nil
		default:
		}

		if i.cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(i.cfg.ReadTimeout))
		}

		if !scanner.Scan() {
			return i.finishConnection(logger, scanner.Err())
		}

		frame := bytes.TrimSpace(scanner.Bytes())
		if len(frame) == 0 {
			continue
		}

		i.messagesReceived.Add(1)
		i.bytesReceived.Add(int64(len(frame)))
		now := time.Now()
		i.lastActivity.Store(now)
		if i.metrics != nil {
			i.metrics.messagesReceived.Inc()
			i.metrics.bytesReceived.Add(float64(len(frame)))
			i.metrics.lastActivity.Set(float64(now.Unix()))
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				logger.Info("connection closed", "reason", "shutdown")
				return nil
			}
		}

		i.handleMessage(ctx, logger, frame)
	}
}

// handleMessage runs one decode-resolve-persist cycle. Failures are logged
// and swallowed: a bad message or an unreachable store must never take the
// connection down with it.
func (i *Input) handleMessage(ctx context.Context, logger *slog.Logger, frame []byte) {
	start := time.Now()

	reading, err := message.Decode(frame)
	if err != nil {
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.decodeErrors.Inc()
		}
		logger.Warn("message discarded", "error", err)
		return
	}

	// Shutdown must not abort a message already past decode: resolve and
	// persist run to completion even when the daemon is draining.
	persistCtx := context.WithoutCancel(ctx)

	sensorID, err := i.resolver.Resolve(persistCtx, reading.SensorName)
	if err != nil {
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.persistErrors.Inc()
		}
		logger.Warn("sensor resolution failed", "sensor", reading.SensorName, "error", err)
		return
	}

	recordID, err := i.persister.Persist(persistCtx, sensorID, reading)
	if err != nil {
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.persistErrors.Inc()
		}
		logger.Warn("reading dropped", "sensor", reading.SensorName, "error", err)
		return
	}

	if i.metrics != nil {
		i.metrics.messagesPersisted.Inc()
		i.metrics.messageLatency.Observe(time.Since(start).Seconds())
	}

	logger.Debug("reading persisted",
		"sensor", reading.SensorName,
		"record_id", recordID,
		"kinds", len(reading.Values))
}

// finishConnection classifies the read error that ended the session.
func (i *Input) finishConnection(logger *slog.Logger, err error) error {
	switch {
	case err == nil:
		// Clean EOF from the device.
		logger.Info("connection closed", "reason", "peer closed")
		return nil
	case stderrors.Is(err, bufio.ErrTooLong):
		// The stream cannot be resynchronized past an oversized frame.
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.readErrors.Inc()
		}
		logger.Warn("connection closed", "reason", "frame too large")
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "tcp-input", "handleConnection", "read frame")
	case isTimeout(err):
		logger.Info("connection closed", "reason", "idle timeout")
		return nil
	case stderrors.Is(err, net.ErrClosed), stderrors.Is(err, os.ErrClosed):
		logger.Info("connection closed", "reason", "shutdown")
		return nil
	default:
		i.errorCount.Add(1)
		if i.metrics != nil {
			i.metrics.readErrors.Inc()
		}
		logger.Warn("connection closed", "reason", "transport error", "error", err)
		return errors.WrapTransient(err, "tcp-input", "handleConnection", "read frame")
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return stderrors.As(err, &netErr) && netErr.Timeout()
}
