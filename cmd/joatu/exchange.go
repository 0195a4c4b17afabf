package main

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/policy"
	"joatu/internal/search"
)

func categoryCmd() *cobra.Command {
	c := &cobra.Command{Use: "category", Short: "Manage categories"}
	var id, identifier string
	var names []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a category",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			parsed, err := parseLocalized(names)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cat, err := e.CreateCategory(ctx, engine.CategoryCreateOptions{ID: id, Identifier: identifier, Names: parsed, ActorID: actor})
				if err != nil {
					return err
				}
				return printCategories([]domain.Category{cat})
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "category id (generated when empty)")
	create.Flags().StringVar(&identifier, "identifier", "", "stable slug, e.g. tools")
	create.Flags().StringArrayVar(&names, "name", nil, "localized name as locale=text (repeatable)")
	c.AddCommand(create)
	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cats, err := e.ListCategories(ctx, viper.GetString("locale"))
				if err != nil {
					return err
				}
				return printCategories(cats)
			})
		},
	})
	return c
}

// recordCmd builds the offer or request command tree; both kinds share it.
func recordCmd(kind domain.Kind) *cobra.Command {
	c := &cobra.Command{Use: string(kind), Short: "Manage " + string(kind) + "s"}

	var opts engine.RecordCreateOptions
	var categories []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create " + article(kind),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			o := opts
			o.CreatorID = actor
			o.CategoryIDs = splitList(categories)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				insert := e.CreateOffer
				if kind == domain.KindRequest {
					insert = e.CreateRequest
				}
				rec, err := insert(ctx, o)
				if err != nil {
					return err
				}
				return printRecords([]domain.Record{rec})
			})
		},
	}
	addRecordFlags(create, kind, &opts, &categories)
	c.AddCommand(create)

	var filter searchFlags
	list := &cobra.Command{
		Use:   "list",
		Short: "List visible " + string(kind) + "s",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd.Context(), kind, filter)
		},
	}
	filter.bind(list)
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show " + article(kind) + " with its links and agreements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := domain.Ref{Kind: kind, ID: args[0]}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetRecord(ctx, ref, viper.GetString("locale"))
				if err != nil {
					return err
				}
				if ok, err := (policy.Service{DB: e.DB}).CanView(ctx, viper.GetString("actor-id"), ref); err != nil {
					return err
				} else if !ok {
					return &domain.NotFoundError{Entity: string(kind), ID: ref.ID}
				}
				responses, err := e.ResponseLinksAsSource(ctx, ref)
				if err != nil {
					return err
				}
				respondingTo, err := e.ResponseLinksAsResponse(ctx, ref)
				if err != nil {
					return err
				}
				agreements, err := e.AgreementsFor(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"record":        rec,
						"responses":     responses,
						"responding_to": respondingTo,
						"agreements":    agreements,
					})
				}
				if err := printRecords([]domain.Record{rec}); err != nil {
					return err
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Edge", "Other", "By", "At"})
				for _, l := range responses {
					tw.AppendRow(table.Row{"response", l.Response.String(), l.CreatorID, l.CreatedAt})
				}
				for _, l := range respondingTo {
					tw.AppendRow(table.Row{"responds to", l.Source.String(), l.CreatorID, l.CreatedAt})
				}
				for _, a := range agreements {
					tw.AppendRow(table.Row{"agreement " + string(a.Status), a.ID, "", a.UpdatedAt})
				}
				if len(responses)+len(respondingTo)+len(agreements) > 0 {
					tw.Render()
				}
				return nil
			})
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "match <id>",
		Short: "List counterpart records sharing a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.Match(ctx, domain.Ref{Kind: kind, ID: args[0]}, viper.GetString("locale"))
				if err != nil {
					return err
				}
				return printRecords(recs)
			})
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Close " + article(kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref := domain.Ref{Kind: kind, ID: args[0]}
				if err := (policy.Service{DB: e.DB}).EnsureCreator(ctx, actor, ref, "close "+string(kind)); err != nil {
					return err
				}
				rec, err := e.CloseRecord(ctx, ref, actor)
				if err != nil {
					return err
				}
				return printRecords([]domain.Record{rec})
			})
		},
	})

	var locale, name, description string
	translate := &cobra.Command{
		Use:   "translate <id>",
		Short: "Add or replace a translation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ref := domain.Ref{Kind: kind, ID: args[0]}
				if err := (policy.Service{DB: e.DB}).EnsureCreator(ctx, actor, ref, "translate "+string(kind)); err != nil {
					return err
				}
				rec, err := e.TranslateRecord(ctx, ref, locale, name, description, actor)
				if err != nil {
					return err
				}
				return printRecords([]domain.Record{rec})
			})
		},
	}
	translate.Flags().StringVar(&locale, "in", "", "translation locale")
	translate.Flags().StringVar(&name, "name", "", "translated name")
	translate.Flags().StringVar(&description, "description", "", "translated description (HTML)")
	c.AddCommand(translate)

	var add, remove []string
	retag := &cobra.Command{
		Use:   "retag <id>",
		Short: "Add or remove categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.RetagRecord(ctx, domain.Ref{Kind: kind, ID: args[0]}, add, remove, actor)
				if err != nil {
					return err
				}
				return printRecords([]domain.Record{rec})
			})
		},
	}
	retag.Flags().StringSliceVar(&add, "add", nil, "category ids to add")
	retag.Flags().StringSliceVar(&remove, "remove", nil, "category ids to remove")
	c.AddCommand(retag)

	c.AddCommand(&cobra.Command{
		Use:   "can-respond <id>",
		Short: "Explain whether the actor may respond",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CanRespond(ctx, viper.GetString("actor-id"), domain.Ref{Kind: kind, ID: args[0]})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				if d.Allowed {
					fmt.Println("allowed")
					return nil
				}
				fmt.Printf("denied: %s\n", strings.Join(d.Failed, ", "))
				return nil
			})
		},
	})
	return c
}

func respondCmd() *cobra.Command {
	var opts engine.RecordCreateOptions
	var categories []string
	var with string
	cmd := &cobra.Command{
		Use:   "respond <offer|request> <id>",
		Short: "Respond to a record with a new counterpart, or link an existing one with --with",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			actor, err := actorID()
			if err != nil {
				return err
			}
			source := domain.Ref{Kind: kind, ID: args[1]}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.CanRespond(ctx, actor, source)
				if err != nil {
					return err
				}
				if !d.Allowed {
					return domain.ForbiddenError{Action: "respond to " + source.String() + " (" + d.Rule + ")"}
				}
				if with != "" {
					response := domain.Ref{Kind: kind.Counterpart(), ID: with}
					if err := (policy.Service{DB: e.DB}).EnsureCreator(ctx, actor, response, "link "+response.String()); err != nil {
						return err
					}
					link, err := e.CreateResponseLink(ctx, source, response, actor)
					if err != nil {
						return err
					}
					return printJSON(link)
				}
				o := opts
				o.CreatorID = actor
				o.CategoryIDs = splitList(categories)
				rec, link, err := e.RespondWith(ctx, source, o)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"record": rec, "link": link})
				}
				fmt.Printf("%s responds to %s (link %s)\n", rec.Ref(), link.Source, link.ID)
				return nil
			})
		},
	}
	addRecordFlags(cmd, domain.KindRequest, &opts, &categories)
	cmd.Flags().StringVar(&with, "with", "", "existing counterpart record id to link instead of creating one")
	return cmd
}

func agreementCmd() *cobra.Command {
	c := &cobra.Command{Use: "agreement", Short: "Manage agreements"}
	var opts engine.AgreementCreateOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Propose an agreement between an offer and a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actorID()
			if err != nil {
				return err
			}
			o := opts
			o.ActorID = actor
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pol := policy.Service{DB: e.DB}
				if err := pol.EnsureCreator(ctx, actor, domain.OfferRef(o.OfferID), "propose agreement"); err != nil {
					if err := pol.EnsureCreator(ctx, actor, domain.RequestRef(o.RequestID), "propose agreement"); err != nil {
						return err
					}
				}
				a, err := e.CreateAgreement(ctx, o)
				if err != nil {
					return err
				}
				return printAgreements([]domain.Agreement{a})
			})
		},
	}
	create.Flags().StringVar(&opts.ID, "id", "", "agreement id (generated when empty)")
	create.Flags().StringVar(&opts.OfferID, "offer", "", "offer id")
	create.Flags().StringVar(&opts.RequestID, "request", "", "request id")
	create.Flags().StringVar(&opts.Terms, "terms", "", "terms")
	create.Flags().StringVar(&opts.Value, "value", "", "agreed value")
	c.AddCommand(create)

	transition := func(name string, do func(engine.Engine) func(context.Context, string, string) (domain.Agreement, error)) *cobra.Command {
		return &cobra.Command{
			Use:   name + " <id>",
			Short: strings.ToUpper(name[:1]) + name[1:] + " an agreement",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, err := actorID()
				if err != nil {
					return err
				}
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					if _, err := e.GetAgreement(ctx, args[0]); err != nil {
						return err
					}
					if err := (policy.Service{DB: e.DB}).EnsureParticipant(ctx, actor, args[0], name+" agreement"); err != nil {
						return err
					}
					a, err := do(e)(ctx, args[0], actor)
					if err != nil {
						return err
					}
					return printAgreements([]domain.Agreement{a})
				})
			},
		}
	}
	c.AddCommand(transition("accept", func(e engine.Engine) func(context.Context, string, string) (domain.Agreement, error) {
		return e.AcceptAgreement
	}))
	c.AddCommand(transition("reject", func(e engine.Engine) func(context.Context, string, string) (domain.Agreement, error) {
		return e.RejectAgreement
	}))

	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show an agreement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAgreement(ctx, args[0])
				if err != nil {
					return err
				}
				if actor := viper.GetString("actor-id"); actor != "" {
					if err := (policy.Service{DB: e.DB}).EnsureParticipant(ctx, actor, a.ID, "view agreement"); err != nil {
						return err
					}
				}
				return printAgreements([]domain.Agreement{a})
			})
		},
	})

	var offerID, requestID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agreements of an offer or a request",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref domain.Ref
			switch {
			case offerID != "":
				ref = domain.OfferRef(offerID)
			case requestID != "":
				ref = domain.RequestRef(requestID)
			default:
				return fmt.Errorf("--offer or --request is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AgreementsFor(ctx, ref)
				if err != nil {
					return err
				}
				return printAgreements(items)
			})
		},
	}
	list.Flags().StringVar(&offerID, "offer", "", "offer id")
	list.Flags().StringVar(&requestID, "request", "", "request id")
	c.AddCommand(list)
	return c
}

func searchCmd() *cobra.Command {
	var filter searchFlags
	cmd := &cobra.Command{
		Use:   "search <offers|requests>",
		Short: "Filter offers or requests visible to the actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), kind, filter)
		},
	}
	filter.bind(cmd)
	return cmd
}

type searchFlags struct {
	query      string
	categories []string
	status     string
	order      string
	perPage    int
	page       int
}

func (f *searchFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "text to look for in names and descriptions")
	cmd.Flags().StringSliceVar(&f.categories, "category", nil, "category ids (any of)")
	cmd.Flags().StringVar(&f.status, "status", "", "open, matched or closed")
	cmd.Flags().StringVar(&f.order, "order-by", "", "newest or oldest")
	cmd.Flags().IntVar(&f.perPage, "per-page", 0, "page size (0 lists everything)")
	cmd.Flags().IntVar(&f.page, "page", 1, "page number")
}

// values renders the flags in query-string form so the CLI parses them the
// same way the HTTP API does.
func (f searchFlags) values() url.Values {
	v := url.Values{}
	if f.query != "" {
		v.Set("q", f.query)
	}
	for _, id := range f.categories {
		v.Add("types_filter[]", id)
	}
	if f.status != "" {
		v.Set("status", f.status)
	}
	if f.order != "" {
		v.Set("order_by", f.order)
	}
	if f.perPage > 0 {
		v.Set("per_page", strconv.Itoa(f.perPage))
		v.Set("page", strconv.Itoa(f.page))
	}
	return v
}

func runSearch(ctx context.Context, kind domain.Kind, f searchFlags) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		scope := policy.Service{DB: e.DB}.Scope(viper.GetString("actor-id"), kind)
		page, err := e.Search(ctx, kind, scope, search.ParseParams(f.values()), viper.GetString("locale"))
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(page)
		}
		if err := printRecords(page.Items); err != nil {
			return err
		}
		if page.PerPage > 0 {
			fmt.Printf("page %d, %d of %d\n", page.Page, len(page.Items), page.Total)
		}
		return nil
	})
}

func addRecordFlags(cmd *cobra.Command, kind domain.Kind, opts *engine.RecordCreateOptions, categories *[]string) {
	cmd.Flags().StringVar(&opts.ID, "id", "", "record id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description (HTML)")
	cmd.Flags().StringVar(&opts.Locale, "in", "", "locale of name and description")
	cmd.Flags().StringVar(&opts.CreatorName, "creator-name", "", "display name of the actor")
	cmd.Flags().StringVar(&opts.TargetType, "target-type", "", "target entity type")
	cmd.Flags().StringVar(&opts.TargetID, "target-id", "", "target entity id")
	cmd.Flags().StringSliceVar(categories, "category", nil, "category ids")
	if kind == domain.KindRequest {
		cmd.Flags().StringVar(&opts.Urgency, "urgency", "", "urgency: "+strings.Join(domain.Urgencies, ", "))
	}
}

// --- output ---

func printRecords(recs []domain.Record) error {
	if viper.GetBool("json") {
		return printJSON(recs)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"Kind", "ID", "Name", "Status", "Creator", "Categories", "Updated"})
	for _, r := range recs {
		tw.AppendRow(table.Row{r.Kind, r.ID, r.Name, r.Status, r.CreatorID, strings.Join(r.CategoryIDs, ","), r.UpdatedAt})
	}
	tw.Render()
	return nil
}

func printCategories(cats []domain.Category) error {
	if viper.GetBool("json") {
		return printJSON(cats)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Identifier", "Name"})
	for _, c := range cats {
		tw.AppendRow(table.Row{c.ID, c.Identifier, c.Name})
	}
	tw.Render()
	return nil
}

func printAgreements(items []domain.Agreement) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Offer", "Request", "Status", "Value", "Updated"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.OfferID, a.RequestID, a.Status, a.Value, a.UpdatedAt})
	}
	tw.Render()
	return nil
}

func parseLocalized(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		locale, text, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(locale) == "" {
			return nil, fmt.Errorf("invalid --name %q, want locale=text", p)
		}
		out[strings.TrimSpace(locale)] = text
	}
	return out, nil
}

func splitList(items []string) []string {
	var out []string
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}

func article(kind domain.Kind) string {
	if kind == domain.KindOffer {
		return "an offer"
	}
	return "a request"
}
