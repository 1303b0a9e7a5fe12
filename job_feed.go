package main

import (
	"context"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

const defaultZMQReceiveTimeout = 2 * time.Second

func (tf *templateFeed) markZMQHealthy() {
	if tf.zmqHealthy.Swap(true) {
		return
	}
	logger.Info("zmq watcher healthy", "addr", tf.cfg.ZMQBlockAddr)
	atomic.AddUint64(&tf.zmqReconnects, 1)
}

func (tf *templateFeed) markZMQUnhealthy(reason string, err error) {
	atomic.AddUint64(&tf.zmqDisconnects, 1)
	fields := []any{"reason", reason}
	if err != nil {
		fields = append(fields, "error", err)
	}
	if tf.zmqHealthy.Swap(false) {
		logger.Warn("zmq watcher unhealthy", fields...)
	} else if err != nil {
		logger.Error("zmq watcher error", fields...)
	}
}

// pollLoop refreshes the template every node.template_refresh_seconds. It is
// the only trigger when ZMQ is not configured and picks up mempool changes
// between blocks when it is.
func (tf *templateFeed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(tf.cfg.TemplateRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := tf.refreshTemplate(ctx, "poll"); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("template poll refresh error", "error", err)
			if errors.Is(err, errStaleTemplate) {
				continue
			}
			if err := tf.sleepRetry(ctx); err != nil {
				return
			}
		}
	}
}

func (tf *templateFeed) handleZMQNotification(ctx context.Context, topic string, payload []byte) error {
	switch topic {
	case "hashblock":
		logger.Info("zmq block notification", "block_hash", hex.EncodeToString(payload))
		tf.markZMQHealthy()
		return tf.refreshTemplate(ctx, "hashblock")
	case "rawblock":
		// Some nodes only publish rawblock.
		if debugLogging {
			logger.Debug("zmq rawblock notification", "bytes", len(payload))
		}
		tf.markZMQHealthy()
		return tf.refreshTemplate(ctx, "rawblock")
	default:
		return nil
	}
}

// zmqBlockLoop subscribes to the node's hashblock/rawblock publisher and
// refreshes the template on every new block, reconnecting on errors.
func (tf *templateFeed) zmqBlockLoop(ctx context.Context) {
zmqLoop:
	for {
		if ctx.Err() != nil {
			return
		}

		sub, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			tf.markZMQUnhealthy("socket", err)
			if err := tf.sleepRetry(ctx); err != nil {
				return
			}
			continue
		}

		for _, topic := range []string{"hashblock", "rawblock"} {
			if err := sub.SetSubscribe(topic); err != nil {
				tf.markZMQUnhealthy("subscribe", err)
				sub.Close()
				if err := tf.sleepRetry(ctx); err != nil {
					return
				}
				continue zmqLoop
			}
		}

		if err := sub.SetRcvtimeo(defaultZMQReceiveTimeout); err != nil {
			tf.markZMQUnhealthy("set_rcvtimeo", err)
			sub.Close()
			if err := tf.sleepRetry(ctx); err != nil {
				return
			}
			continue
		}

		if err := sub.Connect(tf.cfg.ZMQBlockAddr); err != nil {
			tf.markZMQUnhealthy("connect", err)
			sub.Close()
			if err := tf.sleepRetry(ctx); err != nil {
				return
			}
			continue
		}

		tf.markZMQHealthy()
		logger.Info("watching ZMQ block notifications", "addr", tf.cfg.ZMQBlockAddr)

		for {
			if ctx.Err() != nil {
				sub.Close()
				return
			}
			frames, err := sub.RecvMessageBytes(0)
			if err != nil {
				eno := zmq4.AsErrno(err)
				if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
					continue
				}
				tf.markZMQUnhealthy("receive", err)
				sub.Close()
				if err := tf.sleepRetry(ctx); err != nil {
					return
				}
				break
			}
			if len(frames) < 2 {
				logger.Warn("zmq notification malformed", "frames", len(frames))
				continue
			}
			topic := string(frames[0])
			if err := tf.handleZMQNotification(ctx, topic, frames[1]); err != nil {
				logger.Error("refresh after zmq notification error", "topic", topic, "error", err)
			}
		}
	}
}
