package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loykin/livesync/pkg/client"
)

type command struct {
	flags *GlobalFlags
}

func (c command) client() *client.Client {
	apiUrl := c.flags.APIUrl
	if apiUrl == "" {
		apiUrl = defaultAPIUrl
	}
	return client.New(client.Config{BaseURL: apiUrl, Timeout: c.flags.APITimeout})
}

// reachable fails fast with a hint when no daemon answers.
func (c command) reachable(ctx context.Context, cl *client.Client) error {
	if !cl.IsReachable(ctx) {
		return fmt.Errorf("daemon not reachable at %s - please start daemon first with 'livesync serve'", c.flags.APIUrl)
	}
	return nil
}

func (c command) Status(cmd *cobra.Command, f *OutputFlags) error {
	st, err := c.client().Status(cmd.Context())
	if err != nil {
		return err
	}
	return printAs(cmd.OutOrStdout(), f.Output, st)
}

func (c command) Listeners(cmd *cobra.Command, f *OutputFlags) error {
	list, err := c.client().Listeners(cmd.Context())
	if err != nil {
		return err
	}
	if list == nil {
		list = []client.Listener{}
	}
	return printAs(cmd.OutOrStdout(), f.Output, list)
}

func (c command) StopListener(cmd *cobra.Command, f *ListenerFlags) error {
	existed, err := c.client().StopListener(cmd.Context(), f.ID)
	if err != nil {
		return err
	}
	if !existed {
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "listener %s was not active\n", f.ID)
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "listener %s stopped\n", f.ID)
	return err
}

func (c command) Reconnect(cmd *cobra.Command) error {
	ok, err := c.client().Reconnect(cmd.Context())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("store still unreachable")
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), "reconnected")
	return err
}

func (c command) Add(cmd *cobra.Command, f *DocumentFlags) error {
	data, err := parseData(f.Data)
	if err != nil {
		return err
	}
	id, err := c.client().Add(cmd.Context(), f.Collection, data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
	return err
}

func (c command) Update(cmd *cobra.Command, f *DocumentFlags) error {
	data, err := parseData(f.Data)
	if err != nil {
		return err
	}
	return c.client().Update(cmd.Context(), f.Collection, f.ID, data)
}

func (c command) Remove(cmd *cobra.Command, f *DocumentFlags) error {
	return c.client().Remove(cmd.Context(), f.Collection, f.ID)
}

func (c command) Watch(ctx context.Context, cmd *cobra.Command, f *WatchFlags) error {
	where, err := parseWhere(f.Where)
	if err != nil {
		return err
	}
	cl := c.client()
	if err := c.reachable(ctx, cl); err != nil {
		return err
	}
	req := client.WatchRequest{
		Collection: f.Collection,
		ID:         f.ID,
		Where:      where,
		OrderBy:    parseOrder(f.Order),
		Limit:      f.Limit,
	}
	out := cmd.OutOrStdout()
	var printErr error
	err = cl.Watch(ctx, req, func(ev client.Event) {
		if printErr == nil {
			printErr = printAs(out, f.Output, ev)
		}
	})
	if err != nil {
		return err
	}
	return printErr
}
