package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/okcvm/okcvm/agentrt"
	"github.com/okcvm/okcvm/clientsession"
	"github.com/okcvm/okcvm/config"
	"github.com/okcvm/okcvm/conversation"
	"github.com/okcvm/okcvm/deployment"
	"github.com/okcvm/okcvm/external"
	"github.com/okcvm/okcvm/httpapi"
	"github.com/okcvm/okcvm/modelclient"
	"github.com/okcvm/okcvm/modelclient/anthropic"
	"github.com/okcvm/okcvm/modelclient/bedrock"
	"github.com/okcvm/okcvm/modelclient/openai"
	"github.com/okcvm/okcvm/telemetry"
	"github.com/okcvm/okcvm/toolkit"
	"github.com/okcvm/okcvm/toolregistry"
	"github.com/okcvm/okcvm/toolspec"
	"github.com/okcvm/okcvm/workspace"
	"github.com/okcvm/okcvm/workspace/gitstate"
)

const defaultSystemPrompt = `You are OK Computer, an agent that builds and previews web experiences and
slide decks for the user directly inside this workspace. Use the tools
available to you; files written under the workspace's output directory are
what the user sees rendered back to them.`

func newServeCmd() *cobra.Command {
	var (
		host             string
		port             int
		workspaceRoot    string
		deployRoot       string
		previewBaseURL   string
		snapshotsEnabled bool
		debug            bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OKCVM HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), serveOptions{
				host:             host,
				port:             port,
				workspaceRoot:    workspaceRoot,
				deployRoot:       deployRoot,
				previewBaseURL:   previewBaseURL,
				snapshotsEnabled: snapshotsEnabled,
				debug:            debug,
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "The host to bind the server to.")
	cmd.Flags().IntVarP(&port, "port", "p", 8000, "The port to run the server on.")
	cmd.Flags().StringVar(&workspaceRoot, "workspace-root", "./.okcvm/workspaces", "Base directory for per-session workspace sandboxes.")
	cmd.Flags().StringVar(&deployRoot, "deploy-root", "./.okcvm/deployments", "Base directory for deployed static sites.")
	cmd.Flags().StringVar(&previewBaseURL, "preview-base-url", "http://127.0.0.1:8000", "Base URL used to normalise relative preview links.")
	cmd.Flags().BoolVar(&snapshotsEnabled, "snapshots", false, "Take a workspace snapshot after every response.")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging.")
	return cmd
}

type serveOptions struct {
	host             string
	port             int
	workspaceRoot    string
	deployRoot       string
	previewBaseURL   string
	snapshotsEnabled bool
	debug            bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if opts.debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	logger := telemetry.NewClueLogger()
	tracer := telemetry.NewOTelTracer("okcvm")
	metrics := telemetry.NewClueMetrics()

	if err := os.MkdirAll(opts.workspaceRoot, 0o755); err != nil {
		return fmt.Errorf("okcvm: prepare workspace root: %w", err)
	}
	workspaceRoot, err := filepath.Abs(opts.workspaceRoot)
	if err != nil {
		return fmt.Errorf("okcvm: resolve workspace root: %w", err)
	}

	deployments, err := deployment.NewStore(opts.deployRoot)
	if err != nil {
		return fmt.Errorf("okcvm: open deployment store: %w", err)
	}

	externalOpts := []external.Option{}
	if redisAddr := os.Getenv("OKCVM_REDIS_ADDR"); redisAddr != "" {
		externalOpts = append(externalOpts, external.WithCache(external.NewRedisCache(redisAddr), 5*time.Minute))
	}
	httpClient := external.New(2, 4, externalOpts...)
	manifest, err := toolkit.DefaultManifest()
	if err != nil {
		return fmt.Errorf("okcvm: load tool manifest: %w", err)
	}

	factory := func(ctx context.Context) (*workspace.Workspace, *toolregistry.Registry, *agentrt.Runtime, error) {
		ws, err := workspace.New(workspace.Config{BaseDir: workspaceRoot})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create workspace: %w", err)
		}
		if opts.snapshotsEnabled {
			state, err := gitstate.Open(ws.Paths().InternalRoot)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("open snapshot state: %w", err)
			}
			ws.SetState(state)
		}

		registry := toolregistry.New(toolregistry.WithLogger(logger), toolregistry.WithTracer(tracer), toolregistry.WithMetrics(metrics))
		if err := registry.Load(manifest); err != nil {
			return nil, nil, nil, fmt.Errorf("load manifest: %w", err)
		}

		browserMgr := toolkit.NewBrowserManager()
		todoStore := toolkit.NewTodoStore(filepath.Join(ws.Paths().InternalRoot, "todo.json"))

		bindings := map[toolspec.Ident]toolregistry.Tool{
			"read_file":            toolkit.NewReadFileTool(ws),
			"write_file":           toolkit.NewWriteFileTool(ws),
			"edit_file":            toolkit.NewEditFileTool(ws),
			"execute_shell_command": toolkit.NewShellTool(ws.Paths().InternalRoot),
			"execute_python":       toolkit.NewIPythonTool(ws.Paths().InternalRoot),
			"web_search":           toolkit.NewWebSearchTool(httpClient),
			"image_search":         toolkit.NewImageSearchTool(httpClient),
			"get_data_source_desc": toolkit.NewGetDataSourceDescTool(),
			"get_data_source":      toolkit.NewGetDataSourceTool(httpClient),
			"generate_image":       toolkit.NewGenerateImageTool(httpClient),
			"get_available_voices": toolkit.NewGetAvailableVoicesTool(),
			"generate_speech":      toolkit.NewGenerateSpeechTool(httpClient),
			"generate_sound_effects": toolkit.NewGenerateSoundEffectsTool(httpClient),
			"generate_slides":      toolkit.NewSlidesGeneratorTool(ws.Paths().InternalOutput),
			"deploy_website":       toolkit.NewDeployWebsiteTool(ws, deployments, ws.Token()),
			"todo_read":            toolkit.NewTodoReadTool(todoStore),
			"todo_write":           toolkit.NewTodoWriteTool(todoStore),
			"browser_visit":        toolkit.NewBrowserVisitTool(browserMgr),
			"browser_state":        toolkit.NewBrowserStateTool(browserMgr),
			"browser_find":         toolkit.NewBrowserFindTool(browserMgr),
			"browser_input":        toolkit.NewBrowserInputTool(browserMgr),
			"browser_click":        toolkit.NewBrowserClickTool(browserMgr),
			"browser_scroll_up":    toolkit.NewBrowserScrollUpTool(browserMgr),
			"browser_scroll_down":  toolkit.NewBrowserScrollDownTool(browserMgr),
		}
		for name, impl := range bindings {
			if err := registry.Register(name, impl); err != nil {
				return nil, nil, nil, fmt.Errorf("register %s: %w", name, err)
			}
		}

		cfg := config.Get()
		model := modelClientFor(cfg.Chat)
		runtime := agentrt.New(ws.AdaptPrompt(defaultSystemPrompt), registry, model, ws.Token())
		return ws, registry, runtime, nil
	}

	sessions := clientsession.NewStore(clientsession.Options{
		NewRuntime:       factory,
		Deployments:      deployments,
		SystemPromptBase: defaultSystemPrompt,
		PreviewBaseURL:   opts.previewBaseURL,
		SnapshotsEnabled: opts.snapshotsEnabled,
	})
	conversations := conversation.NewInMemoryStore(conversation.CleanupWithin(workspaceRoot, deployments))

	server := httpapi.New(sessions, conversations, deployments, httpapi.WithLogger(logger))

	addr := net.JoinHostPort(opts.host, fmt.Sprintf("%d", opts.port))
	httpServer := &http.Server{Addr: addr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "okcvm server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// modelClientFor selects a modelclient.Client backend by chat.Provider
// ("bedrock", "openai", or the default "anthropic"), mirroring the
// teacher's own per-provider client construction in its CLI entrypoint.
func modelClientFor(chat *config.EndpointConfig) modelclient.Client {
	if chat == nil {
		return anthropic.New("", "")
	}
	switch chat.Provider {
	case "bedrock":
		return bedrockClientFor(chat)
	case "openai":
		return openaiClientFor(chat)
	default:
		return anthropicClientFor(chat)
	}
}

func anthropicClientFor(chat *config.EndpointConfig) *anthropic.Client {
	opts := []anthropic.Option{}
	if chat.Model != "" {
		opts = append(opts, anthropic.WithModel(sdk.Model(chat.Model)))
	}
	return anthropic.New(chat.APIKey, chat.BaseURL, opts...)
}

func bedrockClientFor(chat *config.EndpointConfig) *bedrock.Client {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		awsCfg = aws.Config{}
	}
	runtime := bedrockruntime.NewFromConfig(awsCfg)
	return bedrock.New(runtime, chat.Model)
}

func openaiClientFor(chat *config.EndpointConfig) *openai.Client {
	return openai.New(chat.APIKey, chat.BaseURL)
}
