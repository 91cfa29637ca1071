package spawn

import (
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/kelseyhightower/envconfig"

	"libcompart/pkg/compost"
)

const (
	EnvRole = "COMPART_ROLE"
	EnvRun  = "COMPART_RUN"

	// BootstrapFD is the descriptor a child reads its Bootstrap from.
	BootstrapFD = 3
	// FirstInheritedFD is the descriptor of the first file passed with Spawn.
	FirstInheritedFD = BootstrapFD + 1
)

// Env is the role selection of a re-executed compartment process.
type Env struct {
	Role string `envconfig:"COMPART_ROLE"`
	Run  string `envconfig:"COMPART_RUN"`
}

// Child reports whether the process was started by a Launcher.
func (e Env) Child() bool { return e.Role != "" }

// ReadEnv loads the role environment and removes it so it is not inherited
// any further.
func ReadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, fmt.Errorf("read role environment: %w", err)
	}
	_ = os.Unsetenv(EnvRole)
	_ = os.Unsetenv(EnvRun)
	return env, nil
}

// Bootstrap is the state a child needs to join its run.
type Bootstrap struct {
	Run     string           `cbor:"1,keyasint"`
	Role    string           `cbor:"2,keyasint"`
	Index   int              `cbor:"3,keyasint"`
	LogFD   int              `cbor:"4,keyasint"`
	Handles []compost.Handle `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("spawn: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("spawn: CBOR decoder initialization failed: " + err.Error())
	}
}

// WriteBootstrap encodes b to w.
func WriteBootstrap(w io.Writer, b Bootstrap) error {
	if err := encMode.NewEncoder(w).Encode(b); err != nil {
		return fmt.Errorf("encode bootstrap: %w", err)
	}
	return nil
}

// DecodeBootstrap decodes a Bootstrap from r.
func DecodeBootstrap(r io.Reader) (Bootstrap, error) {
	var b Bootstrap
	if err := decMode.NewDecoder(r).Decode(&b); err != nil {
		return Bootstrap{}, fmt.Errorf("decode bootstrap: %w", err)
	}
	return b, nil
}

// ReadBootstrap reads the Bootstrap a Launcher wrote for this process.
func ReadBootstrap() (Bootstrap, error) {
	f := os.NewFile(BootstrapFD, "compart-bootstrap")
	if f == nil {
		return Bootstrap{}, fmt.Errorf("bootstrap descriptor %d unavailable", BootstrapFD)
	}
	defer f.Close()
	return DecodeBootstrap(f)
}
