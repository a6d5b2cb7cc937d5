package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/matt-riley/flagbridge/internal/connection"
	"github.com/matt-riley/flagbridge/internal/descriptor"
	"github.com/matt-riley/flagbridge/internal/payload"
	"github.com/matt-riley/flagbridge/internal/variation"
	"github.com/matt-riley/flagbridge/sdk"
)

type method struct {
	needsClient bool
	run         func(ctx context.Context, client sdk.Client, args any) (any, error)
}

func (b *Bridge) methodTable() map[string]method {
	withClient := func(run func(context.Context, sdk.Client, any) (any, error)) method {
		return method{needsClient: true, run: run}
	}

	methods := map[string]method{
		"start":                    {run: b.handleStart},
		"close":                    {run: b.handleClose},
		"identify":                 withClient(b.handleIdentify),
		"alias":                    withClient(handleAlias),
		"track":                    withClient(b.handleTrack),
		"allFlags":                 withClient(handleAllFlags),
		"flush":                    withClient(handleFlush),
		"setOnline":                withClient(handleSetOnline),
		"isOffline":                withClient(handleIsOffline),
		"getConnectionInformation": withClient(handleConnectionInformation),
		"startFlagListening":       withClient(b.handleStartFlagListening),
		"stopFlagListening":        withClient(b.handleStopFlagListening),
	}

	typed := []struct {
		prefix string
		kind   *variation.Kind
	}{
		{prefix: "bool", kind: kindPtr(variation.KindBool)},
		{prefix: "int", kind: kindPtr(variation.KindInt)},
		{prefix: "double", kind: kindPtr(variation.KindFloat)},
		{prefix: "string", kind: kindPtr(variation.KindString)},
		{prefix: "json"},
	}
	for _, t := range typed {
		methods[t.prefix+"Variation"] = withClient(variationMethod(t.prefix+"Variation", t.kind, false))
		methods[t.prefix+"VariationDetail"] = withClient(variationMethod(t.prefix+"VariationDetail", t.kind, true))
	}
	return methods
}

func kindPtr(k variation.Kind) *variation.Kind { return &k }

func (b *Bridge) handleStart(ctx context.Context, _ sdk.Client, raw any) (any, error) {
	args, ok := payload.AsArgs(raw)
	if !ok {
		return nil, invalidArgument("start", "arguments", raw)
	}
	cfg, err := descriptor.BuildConfig(args["config"])
	if err != nil {
		return nil, fmt.Errorf("build config: %w", err)
	}
	user, err := descriptor.BuildUser(args["user"])
	if err != nil {
		return nil, fmt.Errorf("build user: %w", err)
	}
	if err := b.startClient(ctx, cfg, user); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}
	return nil, nil
}

func (b *Bridge) handleClose(context.Context, sdk.Client, any) (any, error) {
	if err := b.closeClient(); err != nil {
		return nil, fmt.Errorf("close client: %w", err)
	}
	return nil, nil
}

func (b *Bridge) handleIdentify(ctx context.Context, client sdk.Client, raw any) (any, error) {
	args, ok := payload.AsArgs(raw)
	if !ok {
		return nil, invalidArgument("identify", "arguments", raw)
	}
	user, err := descriptor.BuildUser(args["user"])
	if err != nil {
		return nil, fmt.Errorf("build user: %w", err)
	}

	if b.identifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.identifyTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	client.Identify(ctx, user, sync.OnceFunc(func() { close(done) }))
	select {
	case <-done:
		return nil, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for identify: %w", ctx.Err())
	}
}

func handleAlias(_ context.Context, client sdk.Client, raw any) (any, error) {
	args, ok := payload.AsArgs(raw)
	if !ok {
		return nil, invalidArgument("alias", "arguments", raw)
	}
	user, err := descriptor.BuildUser(args["user"])
	if err != nil {
		return nil, fmt.Errorf("build user: %w", err)
	}
	previous, err := descriptor.BuildUser(args["previousUser"])
	if err != nil {
		return nil, fmt.Errorf("build previous user: %w", err)
	}
	client.Alias(user, previous)
	return nil, nil
}

// handleTrack never reports client failures; tracking is fire and forget.
func (b *Bridge) handleTrack(ctx context.Context, client sdk.Client, raw any) (any, error) {
	args, ok := payload.AsArgs(raw)
	if !ok {
		return nil, invalidArgument("track", "arguments", raw)
	}
	eventName, ok := args.String("eventName")
	if !ok {
		return nil, invalidArgument("track", "eventName", args["eventName"])
	}
	var metricValue *float64
	if v, ok := args.Float("metricValue"); ok {
		metricValue = &v
	}
	if err := client.Track(eventName, args["data"], metricValue); err != nil {
		b.logger.WarnContext(ctx, "track failed", "event", eventName, "error", err)
	}
	return nil, nil
}

func variationMethod(name string, kind *variation.Kind, withReason bool) func(context.Context, sdk.Client, any) (any, error) {
	return func(_ context.Context, client sdk.Client, raw any) (any, error) {
		args, ok := payload.AsArgs(raw)
		if !ok {
			return nil, invalidArgument(name, "arguments", raw)
		}
		flagKey, ok := args.String("flagKey")
		if !ok {
			return nil, invalidArgument(name, "flagKey", args["flagKey"])
		}

		var (
			defaultValue variation.Value
			matched      bool
		)
		if kind == nil {
			defaultValue, matched = variation.Infer(args["defaultValue"])
		} else {
			defaultValue, matched = variation.Coerce(*kind, args["defaultValue"])
		}
		if !matched {
			return nil, nil
		}
		return variation.Resolve(client, flagKey, defaultValue, withReason), nil
	}
}

func handleAllFlags(_ context.Context, client sdk.Client, _ any) (any, error) {
	return client.AllFlags(), nil
}

func handleFlush(_ context.Context, client sdk.Client, _ any) (any, error) {
	client.Flush()
	return nil, nil
}

// handleSetOnline ignores a missing or non-boolean online argument.
func handleSetOnline(_ context.Context, client sdk.Client, raw any) (any, error) {
	args, _ := payload.AsArgs(raw)
	if online, ok := args.Bool("online"); ok {
		client.SetOnline(online)
	}
	return nil, nil
}

func handleIsOffline(_ context.Context, client sdk.Client, _ any) (any, error) {
	return !client.IsOnline(), nil
}

func handleConnectionInformation(_ context.Context, client sdk.Client, _ any) (any, error) {
	info := connection.ToWire(client.ConnectionInformation())
	if info == nil {
		return nil, nil
	}
	return info, nil
}

func (b *Bridge) handleStartFlagListening(_ context.Context, client sdk.Client, raw any) (any, error) {
	key, ok := payload.String(raw)
	if !ok {
		return nil, invalidArgument("startFlagListening", "flagKey", raw)
	}
	b.registry.Start(client, key)
	b.updateListenerGauge()
	return nil, nil
}

func (b *Bridge) handleStopFlagListening(_ context.Context, _ sdk.Client, raw any) (any, error) {
	key, ok := payload.String(raw)
	if !ok {
		return nil, invalidArgument("stopFlagListening", "flagKey", raw)
	}
	b.registry.Stop(key)
	b.updateListenerGauge()
	return nil, nil
}
