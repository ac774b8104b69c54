package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stagecraft/stagert/internal/transport/mesh"
)

// dialAdmin connects to the node named by the --addr persistent flag.
// grpc.NewClient dials lazily, so the connection only activates on the
// first RPC each command below issues.
func dialAdmin() (*mesh.AdminClient, error) {
	return mesh.DialAdmin(adminAddr)
}

// outputJSON prints v as indented JSON, mirroring the teacher CLI's
// --format json handling.
func outputJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func adminCtx() context.Context {
	return context.Background()
}
