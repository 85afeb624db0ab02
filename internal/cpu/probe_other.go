//go:build !amd64

package cpu

func Probe() (Info, error) {
	return Info{}, ErrUnsupportedArch
}
