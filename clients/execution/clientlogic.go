package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/txguard/utils"
)

func (client *Client) runClientLoop() {
	defer client.loopWg.Done()
	defer utils.HandleSubroutinePanic("clients.execution.Client.runClientLoop", func(err error) {
		client.reportError(fmt.Errorf("poll loop crashed: %w", err))

		select {
		case <-client.clientCtx.Done():
			return
		case <-time.After(restartDelay):
		}

		client.loopWg.Add(1)
		go client.runClientLoop()
	})

	client.pollClientHead()

	ticker := time.NewTicker(client.endpointConfig.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.clientCtx.Done():
			return
		case <-ticker.C:
			client.pollClientHead()
		}
	}
}

func (client *Client) pollClientHead() {
	ctx, cancel := context.WithTimeout(client.clientCtx, client.endpointConfig.PollInterval)
	defer cancel()

	latestHeader, err := client.rpcClient.GetLatestHeader(ctx)
	if err != nil {
		if client.clientCtx.Err() != nil {
			return
		}
		client.reportError(fmt.Errorf("could not get latest header: %w", err))
		return
	}

	client.isOnline.Store(true)
	client.lastEvent.Store(time.Now().UnixNano())

	if prev := client.latestHeader.Load(); prev != nil && latestHeader.Number.Cmp(prev.Number) <= 0 {
		return
	}

	client.latestHeader.Store(latestHeader)
	client.logger.WithField("number", latestHeader.Number.Uint64()).Debugf("new head %v", latestHeader.Hash().Hex())

	client.blockDispatcher.Fire(latestHeader)
	if client.callbacks.OnNewBlock != nil {
		client.callbacks.OnNewBlock(latestHeader, client)
	}
}

func (client *Client) reportError(err error) {
	client.isOnline.Store(false)
	client.lastError.Store(&err)
	client.lastEvent.Store(time.Now().UnixNano())

	client.logger.Warnf("execution client error: %v", err)

	if client.callbacks.OnError != nil {
		client.callbacks.OnError(err, client)
	}
}
