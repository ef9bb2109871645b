package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"dsgate/internal/api"
	"dsgate/internal/config"
)

func readContent(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeEntity(opts *globalOptions, resp api.EntityResponse) error {
	if opts.structured() {
		return writeStructured(resp)
	}
	return writeEntityDetail(resp)
}

func newCreateCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var (
		class          string
		contentType    string
		props          []string
		propsFile      string
		idempotencyKey string
	)

	cmd := &cobra.Command{
		Use:   "create [file|-]",
		Short: "Create an entity from a file or stdin",
		Args:  optionalArg("content file"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			content, err := readContent(path)
			if err != nil {
				return err
			}
			properties, err := parseProperties(props, propsFile)
			if err != nil {
				return err
			}

			req := api.EntityCreateRequest{
				Class:          class,
				Content:        content,
				ContentType:    contentType,
				Properties:     properties,
				IdempotencyKey: idempotencyKey,
			}

			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.CreateEntity(cmd.Context(), req)
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(resp)
				}
				return writePlain("%s\n", resp.EntityID)
			})
		},
	}

	cmd.Flags().StringVar(&class, "class", "", "record class (default from config)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "blob content type")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "property key=value (repeatable)")
	cmd.Flags().StringVar(&propsFile, "props-file", "", "YAML or JSON file with properties")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key for safe retries")
	return cmd
}

func newGetCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an entity",
		Args:  entityIDArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.GetEntity(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeEntity(opts, resp)
			})
		},
	}
}

func newContentCmd(cfg *config.Config) *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "content <id>",
		Short: "Write an entity's blob content to stdout or a file",
		Args:  entityIDArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				if outFile == "" || outFile == "-" {
					return client.Content(cmd.Context(), args[0], os.Stdout)
				}
				f, err := os.Create(outFile)
				if err != nil {
					return err
				}
				if err := client.Content(cmd.Context(), args[0], f); err != nil {
					_ = f.Close()
					_ = os.Remove(outFile)
					return err
				}
				return f.Close()
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out-file", "f", "", "write content to this file instead of stdout")
	return cmd
}

func newUpdateCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var (
		file        string
		contentType string
		props       []string
		propsFile   string
		unset       []string
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace content and/or patch properties of an entity",
		Args:  entityIDArgs(1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			properties, err := parseProperties(props, propsFile)
			if err != nil {
				return err
			}
			for _, key := range unset {
				if properties == nil {
					properties = map[string]any{}
				}
				properties[key] = nil
			}

			req := api.EntityUpdateRequest{
				ContentType: contentType,
				Properties:  properties,
			}
			if cmd.Flags().Changed("file") {
				content, err := readContent(file)
				if err != nil {
					return err
				}
				req.Content = &content
			}
			if req.Content == nil && len(req.Properties) == 0 {
				return fmt.Errorf("nothing to update: pass --file, --prop, --props-file or --unset")
			}

			return withClient(cfg, func(client *api.Client) error {
				resp, err := client.UpdateEntity(cmd.Context(), args[0], req)
				if err != nil {
					return err
				}
				return writeEntity(opts, resp)
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "new content file (- for stdin)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of the new content")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "property key=value to set (repeatable)")
	cmd.Flags().StringVar(&propsFile, "props-file", "", "YAML or JSON file with properties to set")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "property key to remove (repeatable)")
	return cmd
}

func newDeleteCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id> [id...]",
		Short: "Delete entities (record and blob)",
		Args:  entityIDArgs(1, 0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cfg, func(client *api.Client) error {
				for _, id := range args {
					if err := client.DeleteEntity(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
				}
				return nil
			})
		},
	}
}

type listOptions struct {
	class     string
	filters   []string
	limit     int
	pageToken string
	presign   bool
	all       bool
}

func (o listOptions) query() (url.Values, error) {
	filters, err := parseFilters(o.filters)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	setIfNotEmpty(query, "class", o.class)
	setIfNotEmpty(query, "page_token", o.pageToken)
	if o.limit > 0 {
		query.Set("limit", strconv.Itoa(o.limit))
	}
	if o.presign {
		query.Set("presign", "true")
	}
	for key, value := range filters {
		query.Set("filter."+key, value)
	}
	return query, nil
}

func setIfNotEmpty(query url.Values, key, value string) {
	if value != "" {
		query.Set(key, value)
	}
}

func newListCmd(cfg *config.Config, opts *globalOptions) *cobra.Command {
	var lo listOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities of a class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := lo.query()
			if err != nil {
				return err
			}

			return withClient(cfg, func(client *api.Client) error {
				resp, err := listEntities(cmd.Context(), client, query, lo.all)
				if err != nil {
					return err
				}
				if opts.structured() {
					return writeStructured(resp)
				}
				if err := writeEntityList(resp.Items); err != nil {
					return err
				}
				if resp.NextPageToken != "" {
					return writePlain("next page: %s\n", resp.NextPageToken)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&lo.class, "class", "", "record class (default from server config)")
	cmd.Flags().StringArrayVar(&lo.filters, "filter", nil, "property equality filter key=value (repeatable)")
	cmd.Flags().IntVar(&lo.limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&lo.pageToken, "page-token", "", "resume from a previous page")
	cmd.Flags().BoolVar(&lo.presign, "presign", false, "include presigned download URLs")
	cmd.Flags().BoolVar(&lo.all, "all", false, "follow page tokens until the listing is exhausted")
	return cmd
}

func listEntities(ctx context.Context, client *api.Client, query url.Values, all bool) (api.EntityListResponse, error) {
	resp, err := client.ListEntities(ctx, query)
	if err != nil || !all {
		return resp, err
	}

	out := api.EntityListResponse{Items: resp.Items}
	for token := resp.NextPageToken; token != ""; {
		query.Set("page_token", token)
		page, err := client.ListEntities(ctx, query)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, page.Items...)
		token = page.NextPageToken
	}
	return out, nil
}
