package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/bringyour/guild/guild"
	"github.com/bringyour/guild/guild/pebblecache"
	"github.com/bringyour/guild/guild/rediscache"
)

const GuildCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Guild control.

Settings are read from the config file, then .env, then GUILD_* environment variables.
Flags override all of them. The jwt is prompted for when it is not set.

Usage:
    guildctl user-id [--config=<config>] [--jwt=<jwt>]
    guildctl channels [options] --server=<server_id>
    guildctl tail [options] --server=<server_id>
        [--channel=<channel_id>]
        [--message_count=<message_count>]
    guildctl send [options] --server=<server_id>
        --channel=<channel_id>
        <message>
    guildctl can [options] --server=<server_id>
        --user=<user_id>
        --capability=<capability>
        [--scope=<scope_id>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Yaml config file [default: guild.yml].
    --api_url=<api_url>
    --connect_url=<connect_url>
    --jwt=<jwt>                      Your session JWT.
    --server=<server_id>
    --channel=<channel_id>
    --user=<user_id>
    --capability=<capability>        One of the capability names, e.g. send_messages.
    --scope=<scope_id>               Channel or category id. Empty for the server level.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], GuildCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "ERROR")

	config, err := loadConfig(opts)
	if err != nil {
		Err.Fatalf("config: %s", err)
	}

	if userId_, _ := opts.Bool("user-id"); userId_ {
		userId(config)
	} else if channels_, _ := opts.Bool("channels"); channels_ {
		channels(opts, config)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts, config)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts, config)
	} else if can_, _ := opts.Bool("can"); can_ {
		can(opts, config)
	}
}

func loadConfig(opts docopt.Opts) (*guild.Config, error) {
	configPath, _ := opts.String("--config")
	config, err := guild.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if connectUrl, err := opts.String("--connect_url"); err == nil && connectUrl != "" {
		config.ConnectUrl = connectUrl
	}
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		config.Jwt = jwt
	}
	if serverId, err := opts.String("--server"); err == nil && serverId != "" {
		config.ServerId = serverId
	}
	if config.Jwt == "" {
		jwt, err := promptJwt()
		if err != nil {
			return nil, err
		}
		config.Jwt = jwt
	}
	return config, nil
}

func promptJwt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no jwt. set --jwt or GUILD_JWT.")
	}
	fmt.Fprint(os.Stderr, "jwt: ")
	jwtBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(jwtBytes)), nil
}

func userId(config *guild.Config) {
	sessionJwt, err := guild.ParseJwtUnverified(config.Jwt)
	if err != nil {
		Err.Fatalf("Invalid jwt (%s).", err)
	}
	Out.Printf("%s", sessionJwt.UserId)
	if sessionJwt.Username != "" {
		Out.Printf("username: %s", sessionJwt.Username)
	}
	if 0 < sessionJwt.Expires {
		Out.Printf("expires: %s", humanize.Time(time.Unix(sessionJwt.Expires, 0)))
	}
}

// pebble when `cache_path` is set, with write-through to redis or the api
func overrideStore(ctx context.Context, config *guild.Config, api guild.Api) (guild.OverrideStore, func(), error) {
	closers := []func(){}
	closeAll := func() {
		for _, closer := range closers {
			closer()
		}
	}

	var remote guild.OverrideStore
	if config.RedisAddr != "" {
		redisStore, err := rediscache.Connect(ctx, config.RedisAddr)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, func() {
			redisStore.Close()
		})
		remote = redisStore
	} else {
		remote = guild.NewApiOverrideStore(api)
	}

	if config.CachePath == "" {
		return remote, closeAll, nil
	}
	cache, err := pebblecache.Open(config.CachePath)
	if err != nil {
		closeAll()
		return nil, func() {}, err
	}
	closers = append(closers, func() {
		cache.Close()
	})
	return guild.NewWriteThroughOverrideStore(cache, remote), closeAll, nil
}

func openSession(ctx context.Context, config *guild.Config) (*guild.Session, func()) {
	if config.ServerId == "" {
		Err.Fatalf("No server. Set --server or GUILD_SERVER_ID.")
	}

	api := guild.NewGuildApi(config.ApiUrl)
	api.SetJwt(config.Jwt)

	store, closeStore, err := overrideStore(ctx, config, api)
	if err != nil {
		Err.Fatalf("Override store (%s).", err)
	}

	auth := &guild.ClientAuth{
		Jwt:        config.Jwt,
		AppVersion: fmt.Sprintf("guildctl %s", GuildCtlVersion),
	}
	session, err := guild.NewSession(ctx, api, store, auth, config.SessionSettings())
	if err != nil {
		closeStore()
		Err.Fatalf("Session (%s).", err)
	}
	if err := session.Open(ctx, config.ServerId); err != nil {
		session.Close()
		closeStore()
		Err.Fatalf("Could not open server %s (%s).", config.ServerId, err)
	}
	return session, func() {
		session.Close()
		closeStore()
	}
}

func channels(opts docopt.Opts, config *guild.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, closeSession := openSession(ctx, config)
	defer closeSession()

	for _, category := range session.VisibleCategories() {
		Out.Printf("%s (%s)", category.Name, category.Id)
		for _, channel := range session.VisibleChannels(category.Id) {
			flags := []string{string(channel.Kind)}
			if channel.Private {
				flags = append(flags, "private")
			}
			if channel.Muted {
				flags = append(flags, "muted")
			}
			if 0 < channel.UnreadCount {
				flags = append(flags, fmt.Sprintf("%s unread", humanize.Comma(int64(channel.UnreadCount))))
			}
			Out.Printf("    #%s (%s) %s", channel.Name, channel.Id, strings.Join(flags, ", "))
		}
	}
}

func tail(opts docopt.Opts, config *guild.Config) {
	channelId, _ := opts.String("--channel")

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, closeSession := openSession(ctx, config)
	defer closeSession()

	store := session.Store()
	if channelId != "" {
		store.SetActiveChannel(channelId)
		if err := session.LoadMessages(ctx, channelId); err != nil {
			Err.Printf("Could not load history (%s).", err)
		}
	}

	printed := 0
	done := make(chan struct{})
	printMessage := func(message guild.Message) {
		author := message.AuthorId
		if member, ok := store.MemberByUserId(message.AuthorId); ok {
			author = member.DisplayName
		}
		Out.Printf("[%s] %s %s: %s", message.ChannelId, humanize.Time(message.CreatedAt), author, message.Content)
		printed += 1
		if 0 <= messageCount && messageCount <= printed {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	}

	unsubscribe := session.Transport().On(guild.EventMessageCreated, func(frame *guild.Frame) {
		event, err := guild.DecodeEvent(frame)
		if err != nil {
			return
		}
		messageCreated := event.(guild.MessageCreated)
		if channelId == "" || messageCreated.ChannelId == channelId {
			printMessage(messageCreated.Message)
		}
	})
	defer unsubscribe()

	removeStateCallback := session.Transport().AddStateCallback(func(state guild.ConnectionState) {
		switch state.Status {
		case guild.ConnectionStatusRetrying:
			Err.Printf("Reconnecting in %s (attempt %d).", state.NextDelay, state.Attempts)
		case guild.ConnectionStatusOffline:
			Err.Printf("Offline (%s). Ctrl-C to exit.", state.LastError)
		}
	})
	defer removeStateCallback()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func send(opts docopt.Opts, config *guild.Config) {
	channelId, _ := opts.String("--channel")
	messageContent, _ := opts.String("<message>")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, closeSession := openSession(ctx, config)
	defer closeSession()

	message, err := session.Dispatcher().SendMessage(ctx, channelId, guild.SendMessageArgs{
		Content: messageContent,
	})
	if err != nil {
		var rejectedErr *guild.RejectedError
		switch {
		case errors.As(err, &rejectedErr):
			Err.Fatalf("Message rejected (%s).", rejectedErr.Message)
		case errors.Is(err, guild.ErrUnauthorized):
			Err.Fatalf("Not allowed to send to %s.", channelId)
		case guild.IsRetryable(err):
			Err.Fatalf("Message may have been posted (%s). Check the channel before sending again.", err)
		default:
			Err.Fatalf("Message not sent (%s).", err)
		}
	}
	Out.Printf("Message sent (%s).", message.Id)
}

func can(opts docopt.Opts, config *guild.Config) {
	userId, _ := opts.String("--user")
	capabilityStr, _ := opts.String("--capability")
	scopeId, _ := opts.String("--scope")

	capability, ok := guild.ParseCapability(capabilityStr)
	if !ok {
		names := []string{}
		for _, c := range guild.Capabilities() {
			names = append(names, string(c))
		}
		Err.Fatalf("Unknown capability %s. One of: %s.", capabilityStr, strings.Join(names, ", "))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, closeSession := openSession(ctx, config)
	defer closeSession()

	permissions := session.Permissions()
	actor := permissions.ActorFor(userId)
	if permissions.HasPermission(actor, scopeId, capability) {
		Out.Printf("allow")
	} else {
		Out.Printf("deny")
	}
}
