package cli

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/Flowline/internal/domain"
	"github.com/shaiso/Flowline/internal/migrate"
	"github.com/shaiso/Flowline/internal/orchestrator"
	"github.com/shaiso/Flowline/internal/repo"
	"github.com/shaiso/Flowline/internal/webhook"
)

// SimulateOptions — параметры симуляции.
type SimulateOptions struct {
	// File — запускаемое определение.
	File string

	// Subflows — определения, на которые ссылаются subflow и действия flow.
	Subflows []string

	// Inputs — входящие сообщения контакта по порядку.
	Inputs []string

	// ContactName, Language — данные контакта.
	ContactName string
	Language    string

	// SendWebhooks — выполнять реальные вызовы webhook.
	SendWebhooks bool

	Logger *slog.Logger
}

// Simulation — итог симуляции.
type Simulation struct {
	Flow     string            `json:"flow" yaml:"flow"`
	Status   string            `json:"status" yaml:"status"`
	Messages []SimulatedMsg    `json:"messages" yaml:"messages"`
	Path     []string          `json:"path" yaml:"path"`
	Results  []SimulatedResult `json:"results" yaml:"results"`
}

// SimulatedMsg — сообщение в диалоге.
type SimulatedMsg struct {
	Direction string `json:"direction" yaml:"direction"`
	Text      string `json:"text" yaml:"text"`
	Status    string `json:"status" yaml:"status"`
}

// SimulatedResult — сохранённый результат run.
type SimulatedResult struct {
	Key      string `json:"key" yaml:"key"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	Value    string `json:"value" yaml:"value"`
}

// Simulate проводит контакт по flow в памяти.
//
// Если для входного сообщения нет ожидающего run, возвращает частичный
// итог и ошибку orchestrator.ErrNoActiveRun.
func Simulate(ctx context.Context, opts SimulateOptions) (*Simulation, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := time.Now().UTC()

	// 1. Организация и контакт
	store := repo.NewMemoryStore()
	org := &domain.Org{ID: uuid.New(), Name: "Simulator", Timezone: "UTC"}

	flowID, name, err := addDefinition(store, org.ID, opts.File, now)
	if err != nil {
		return nil, err
	}
	for _, path := range opts.Subflows {
		if _, _, err := addDefinition(store, org.ID, path, now); err != nil {
			return nil, err
		}
	}

	language := opts.Language
	if language == "" {
		language = "eng"
	}
	org.Languages = []string{language}
	store.AddOrg(org)

	contact := &domain.Contact{
		ID:        uuid.New(),
		OrgID:     org.ID,
		Name:      opts.ContactName,
		Language:  language,
		URNs:      []string{"tel:+12065551212"},
		CreatedOn: now,
	}
	store.AddContact(contact)

	// 2. Движок
	orch := orchestrator.New(orchestrator.Config{
		Flows:    store,
		Runs:     store,
		Contacts: store,
		Msgs:     store,
		Webhooks: webhook.New(webhook.Config{
			SendWebhooks: opts.SendWebhooks,
			Results:      store,
			Subscribers:  store,
			Logger:       logger,
		}),
		Logger: logger,
	})

	// 3. Запуск и ответы
	result, err := orch.FlowStart(ctx, orchestrator.StartRequest{
		FlowID:              flowID,
		Contacts:            []uuid.UUID{contact.ID},
		RestartParticipants: true,
		IncludeActive:       true,
		Interrupt:           true,
	})
	if err != nil {
		return nil, err
	}
	if err := result.Errors[contact.ID]; err != nil {
		return nil, err
	}

	var inputErr error
	for _, text := range opts.Inputs {
		msg := domain.NewIncomingMsg(contact.ID, text, time.Now().UTC())
		msg.URN = contact.URNs[0]
		handled, err := orch.HandleMessage(ctx, msg)
		if err != nil {
			return nil, err
		}
		if !handled {
			inputErr = fmt.Errorf("%w: input %q", orchestrator.ErrNoActiveRun, text)
			break
		}
	}

	return buildSimulation(store, contact.ID, flowID, name), inputErr
}

// addDefinition добавляет flow из файла в хранилище.
func addDefinition(store *repo.MemoryStore, orgID uuid.UUID, path string, now time.Time) (uuid.UUID, string, error) {
	data, err := readFile(path)
	if err != nil {
		return uuid.Nil, "", err
	}
	doc, err := parseDocument(data)
	if err != nil {
		return uuid.Nil, "", err
	}
	version, err := migrate.DocumentVersion(doc)
	if err != nil {
		return uuid.Nil, "", err
	}

	meta := metaFromDocument(doc)
	expires := 10080
	if v, ok := doc.S("metadata", "expires").Data().(float64); ok && v > 0 {
		expires = int(v)
	}

	flow := &domain.Flow{
		ID:                  documentFlowID(doc),
		OrgID:               orgID,
		Name:                meta.Name,
		FlowType:            domain.FlowType(meta.FlowType),
		ExpiresAfterMinutes: expires,
		IsActive:            true,
		CreatedOn:           now,
		ModifiedOn:          now,
	}
	store.AddFlow(flow, version.String(), data)
	return flow.ID, flow.Name, nil
}

// buildSimulation собирает итог по состоянию хранилища.
func buildSimulation(store *repo.MemoryStore, contactID, flowID uuid.UUID, name string) *Simulation {
	sim := &Simulation{Flow: name, Status: "not started"}

	for _, m := range store.Msgs(contactID) {
		sim.Messages = append(sim.Messages, SimulatedMsg{
			Direction: string(m.Direction),
			Text:      m.Text,
			Status:    string(m.Status),
		})
	}

	for _, run := range store.Runs() {
		if run.ContactID != contactID || run.FlowID != flowID {
			continue
		}
		sim.Status = "active"
		if !run.IsActive {
			sim.Status = string(run.ExitType)
		}
		sim.Path = sim.Path[:0]
		for _, step := range run.Path {
			sim.Path = append(sim.Path, step.NodeUUID)
		}
		sim.Results = sim.Results[:0]
		for key, r := range run.Results {
			sim.Results = append(sim.Results, SimulatedResult{
				Key:      key,
				Name:     r.Name,
				Category: r.Category,
				Value:    r.Value,
			})
		}
	}
	slices.SortFunc(sim.Results, func(a, b SimulatedResult) int {
		return cmp.Compare(a.Key, b.Key)
	})
	return sim
}

// NewSimulateCmd создаёт команду симуляции диалога.
func NewSimulateCmd(outputFn func() *Output, loggerFn func() *slog.Logger) *cobra.Command {
	opts := SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate FILE",
		Short: "Run a flow in memory for one contact",
		Long: `Start FILE for a simulated contact, feed each --input as an incoming
message and print the conversation, the path and the saved results.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := outputFn()
			opts.File = args[0]
			opts.Logger = loggerFn()

			sim, err := Simulate(cmd.Context(), opts)
			if sim == nil {
				return err
			}

			if out.Format() != FormatTable {
				if perr := out.Print(nil, nil, sim); perr != nil {
					return perr
				}
				return err
			}

			rows := make([][]string, len(sim.Messages))
			for i, m := range sim.Messages {
				arrow := "<"
				if m.Direction == string(domain.DirectionIncoming) {
					arrow = ">"
				}
				rows[i] = []string{arrow, m.Text, m.Status}
			}
			if perr := out.Table([]string{"DIR", "TEXT", "STATUS"}, rows); perr != nil {
				return perr
			}

			if len(sim.Results) > 0 {
				fmt.Fprintln(out.w)
				resultRows := make([][]string, len(sim.Results))
				for i, r := range sim.Results {
					resultRows[i] = []string{r.Name, r.Category, r.Value}
				}
				if perr := out.Table([]string{"RESULT", "CATEGORY", "VALUE"}, resultRows); perr != nil {
					return perr
				}
			}

			out.Success(fmt.Sprintf("Run %s after %d steps", sim.Status, len(sim.Path)))
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Inputs, "input", "i", nil, "Incoming message text (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Subflows, "flow", nil, "Additional flow definition for subflows (repeatable)")
	cmd.Flags().StringVar(&opts.ContactName, "contact-name", "Ben Haggerty", "Simulated contact name")
	cmd.Flags().StringVar(&opts.Language, "lang", "eng", "Contact and org language")
	cmd.Flags().BoolVar(&opts.SendWebhooks, "webhooks", false, "Call webhooks for real")

	return cmd
}
