package main

import (
	"context"
)

func (tf *templateFeed) Current() *blockTemplate {
	tf.mu.RLock()
	defer tf.mu.RUnlock()
	return tf.cur
}

func (tf *templateFeed) Ready() bool {
	return tf.Current() != nil
}

// Subscribe returns a channel that receives every newly published template.
// The current template, if any, is delivered first.
func (tf *templateFeed) Subscribe() chan *blockTemplate {
	ch := make(chan *blockTemplate, templateSubscriberBuffer)
	tf.subsMu.Lock()
	tf.subs[ch] = struct{}{}
	if cur := tf.Current(); cur != nil {
		ch <- cur
	}
	tf.subsMu.Unlock()
	return ch
}

func (tf *templateFeed) Unsubscribe(ch chan *blockTemplate) {
	tf.subsMu.Lock()
	if _, ok := tf.subs[ch]; ok {
		delete(tf.subs, ch)
		close(ch)
	}
	tf.subsMu.Unlock()
}

func (tf *templateFeed) Subscribers() int {
	tf.subsMu.Lock()
	defer tf.subsMu.Unlock()
	return len(tf.subs)
}

func (tf *templateFeed) broadcastTemplate(tpl *blockTemplate) {
	select {
	case tf.notifyQueue <- tpl:
	default:
		logger.Warn("template notification queue full, falling back to sync broadcast")
		tf.deliver(tpl, -1)
	}
}

// sendTemplateNonBlocking delivers tpl without blocking. A full channel has
// its oldest pending template dropped so subscribers converge on the newest.
func sendTemplateNonBlocking(ch chan *blockTemplate, tpl *blockTemplate) (dropped bool) {
	select {
	case ch <- tpl:
		return false
	default:
	}
	select {
	case <-ch:
		dropped = true
	default:
	}
	select {
	case ch <- tpl:
	default:
		dropped = true
	}
	return dropped
}

// deliver holds subsMu during sends so Unsubscribe can not close a channel
// underneath us.
func (tf *templateFeed) deliver(tpl *blockTemplate, workerID int) {
	if cur := tf.Current(); cur != nil && cur.TemplateID > tpl.TemplateID {
		return
	}
	tf.subsMu.Lock()
	dropped := 0
	subscribers := len(tf.subs)
	for ch := range tf.subs {
		if sendTemplateNonBlocking(ch, tpl) {
			dropped++
		}
	}
	tf.subsMu.Unlock()

	if dropped > 0 {
		logger.Warn("template broadcast dropped stale updates", "worker", workerID, "subscribers", subscribers, "dropped", dropped)
	}
}

func (tf *templateFeed) notificationWorker(ctx context.Context, workerID int) {
	defer tf.notifyWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tpl := <-tf.notifyQueue:
			tf.deliver(tpl, workerID)
		}
	}
}
