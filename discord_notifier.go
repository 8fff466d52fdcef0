package main

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// discordNotifier posts operator notices (pool start, found blocks) to a
// configured channel. Sends are queued so the submit path never waits on
// Discord.
type discordNotifier struct {
	session   *discordgo.Session
	channelID string
	queue     chan string
	stopOnce  sync.Once
	done      chan struct{}
}

func newDiscordNotifier(token, channelID string) (*discordNotifier, error) {
	if token == "" || channelID == "" {
		return nil, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	n := &discordNotifier{
		session:   session,
		channelID: channelID,
		queue:     make(chan string, 32),
		done:      make(chan struct{}),
	}
	go n.run()
	return n, nil
}

func (n *discordNotifier) run() {
	for {
		select {
		case msg := <-n.queue:
			if _, err := n.session.ChannelMessageSend(n.channelID, msg); err != nil {
				logger.Warn("discord send failed", "error", err)
			}
		case <-n.done:
			return
		}
	}
}

func (n *discordNotifier) notify(msg string) {
	if n == nil {
		return
	}
	select {
	case n.queue <- msg:
	default:
		logger.Warn("discord queue full; dropping notice")
	}
}

func (n *discordNotifier) NotifyStarted(coin string, ports []string) {
	n.notify(fmt.Sprintf("pool started for %s on ports %v", coin, ports))
}

func (n *discordNotifier) NotifyBlockFound(height int64, hash, worker string) {
	n.notify(fmt.Sprintf("block found at height %d by %s\n`%s`", height, worker, hash))
}

func (n *discordNotifier) Stop() {
	if n == nil {
		return
	}
	n.stopOnce.Do(func() {
		close(n.done)
		_ = n.session.Close()
	})
}
