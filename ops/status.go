package ops

import (
	. "github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

// Status reports the current XNAT login.
func Status(client *xnat.Client) {
	if client == nil {
		Println("You are not currently logged in.")
		Println("Try `datman login` to connect to an XNAT server.")
		Fatal(1)
	}

	Println("You are currently logged in as", client.Username(), "to", client.Server())
}
