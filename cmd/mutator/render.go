package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/klyr/mutator/internal/template"
)

func newRenderCmd() *cobra.Command {
	var source string
	var headers []string
	var requestHeaders []string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render one header template against sample headers",
		Example: `  mutator render -t '{{ substring(header("x-donor"), 0, 7) }}' -H 'x-donor: thedonorvalue'
  mutator render -t '{{ request_header("x-id") }}' -H ':status: 200' --request-header 'x-id: abc'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return errors.New("template is required")
			}

			ctx := template.Context{}
			var err error
			if ctx.Headers, err = parseHeaderFlags(headers); err != nil {
				return err
			}
			if len(requestHeaders) > 0 {
				if ctx.RequestHeaders, err = parseHeaderFlags(requestHeaders); err != nil {
					return err
				}
			}

			out, err := template.NewEnvironment().Render(source, ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		},
	}

	cmd.Flags().StringVarP(&source, "template", "t", "", "Template source")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "Header visible to header(), as 'name: value' (repeatable)")
	cmd.Flags().StringArrayVar(&requestHeaders, "request-header", nil, "Header visible to request_header(), as 'name: value' (repeatable)")

	return cmd
}

// parseHeaderFlags splits "name: value" pairs. Pseudo-headers keep their
// leading colon, so the separator is the first colon after position 0.
func parseHeaderFlags(raw []string) (template.HeaderMap, error) {
	pairs := make([][2]string, 0, len(raw))
	for _, h := range raw {
		start := 0
		if strings.HasPrefix(h, ":") {
			start = 1
		}
		idx := strings.Index(h[start:], ":")
		if idx < 0 {
			return nil, fmt.Errorf("header %q must be 'name: value'", h)
		}
		idx += start
		name := strings.TrimSpace(h[:idx])
		if name == "" || name == ":" {
			return nil, fmt.Errorf("header %q has an empty name", h)
		}
		pairs = append(pairs, [2]string{name, strings.TrimSpace(h[idx+1:])})
	}
	return template.NewHeaderMap(pairs...), nil
}
