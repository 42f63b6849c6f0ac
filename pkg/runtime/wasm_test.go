package runtime

import (
	"bytes"
)

// Minimal WebAssembly binary assembler for test modules.

const (
	valI32 = 0x7f
	valI64 = 0x7e

	kindFunc   = 0x00
	kindMemory = 0x02

	wasiModule = "wasi_snapshot_preview1"
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if done {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wstr(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func wvec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func cat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(uint64(len(params))), params, uleb(uint64(len(results))), results)
}

func importFunc(module, name string, typeIdx uint32) []byte {
	return cat(wstr(module), wstr(name), []byte{kindFunc}, uleb(uint64(typeIdx)))
}

func export(name string, kind byte, idx uint32) []byte {
	return cat(wstr(name), []byte{kind}, uleb(uint64(idx)))
}

func i32c(v int32) []byte { return cat([]byte{0x41}, sleb(int64(v))) }
func i64c(v int64) []byte { return cat([]byte{0x42}, sleb(v)) }
func call(idx uint32) []byte { return cat([]byte{0x10}, uleb(uint64(idx))) }

var (
	opDrop        = []byte{0x1a}
	opUnreachable = []byte{0x00}
	opI32Load     = []byte{0x28, 0x02, 0x00}
	opI32Store    = []byte{0x36, 0x02, 0x00}
	opLoopForever = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
	opMemoryGrow  = []byte{0x40, 0x00}
	opI32Eq       = []byte{0x46}
	opIf          = []byte{0x04, 0x40}
	opEnd         = []byte{0x0b}
)

func funcBody(code ...[]byte) []byte {
	b := cat([]byte{0x00}, cat(code...), []byte{0x0b})
	return cat(uleb(uint64(len(b))), b)
}

func dataSegment(offset int32, data []byte) []byte {
	return cat([]byte{0x00}, i32c(offset), []byte{0x0b}, uleb(uint64(len(data))), data)
}

func le32(vs ...uint32) []byte {
	var out []byte
	for _, v := range vs {
		out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return out
}

type testModule struct {
	types       [][]byte
	imports     [][]byte
	funcs       []uint32
	memoryPages uint32
	exports     [][]byte
	bodies      [][]byte
	data        [][]byte
}

func section(id byte, content []byte) []byte {
	return cat([]byte{id}, uleb(uint64(len(content))), content)
}

func (m testModule) bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if len(m.types) > 0 {
		out = append(out, section(1, wvec(m.types))...)
	}
	if len(m.imports) > 0 {
		out = append(out, section(2, wvec(m.imports))...)
	}
	if len(m.funcs) > 0 {
		var idx [][]byte
		for _, f := range m.funcs {
			idx = append(idx, uleb(uint64(f)))
		}
		out = append(out, section(3, wvec(idx))...)
	}
	if m.memoryPages > 0 {
		out = append(out, section(5, wvec([][]byte{cat([]byte{0x00}, uleb(uint64(m.memoryPages)))}))...)
	}
	if len(m.exports) > 0 {
		out = append(out, section(7, wvec(m.exports))...)
	}
	if len(m.bodies) > 0 {
		out = append(out, section(10, wvec(m.bodies))...)
	}
	if len(m.data) > 0 {
		out = append(out, section(11, wvec(m.data))...)
	}
	return out
}

var (
	typeI32Void = funcType([]byte{valI32}, nil)
	typeFdIO    = funcType([]byte{valI32, valI32, valI32, valI32}, []byte{valI32})
	typeVoid    = funcType(nil, nil)
	typeVoidI32 = funcType(nil, []byte{valI32})
)

var typePathOpen = funcType(
	[]byte{valI32, valI32, valI32, valI32, valI32, valI64, valI64, valI32, valI32},
	[]byte{valI32},
)

// helloModule writes "hello\n" to stdout.
func helloModule() []byte {
	return testModule{
		types:       [][]byte{typeFdIO, typeVoid},
		imports:     [][]byte{importFunc(wasiModule, "fd_write", 0)},
		funcs:       []uint32{1},
		memoryPages: 1,
		exports:     [][]byte{export("memory", kindMemory, 0), export("_start", kindFunc, 1)},
		bodies: [][]byte{funcBody(
			i32c(1), i32c(0), i32c(1), i32c(20), call(0), opDrop,
		)},
		data: [][]byte{dataSegment(0, cat(le32(8, 6), []byte("hello\n")))},
	}.bytes()
}

// echoModule copies up to 1024 bytes of stdin to stdout.
func echoModule() []byte {
	return testModule{
		types: [][]byte{typeFdIO, typeVoid},
		imports: [][]byte{
			importFunc(wasiModule, "fd_read", 0),
			importFunc(wasiModule, "fd_write", 0),
		},
		funcs:       []uint32{1},
		memoryPages: 1,
		exports:     [][]byte{export("memory", kindMemory, 0), export("_start", kindFunc, 2)},
		bodies: [][]byte{funcBody(
			// fd_read(0, iov@0, 1, nread@16)
			i32c(0), i32c(0), i32c(1), i32c(16), call(0), opDrop,
			// iov.len = nread
			i32c(4), i32c(16), opI32Load, opI32Store,
			// fd_write(1, iov@0, 1, nwritten@20)
			i32c(1), i32c(0), i32c(1), i32c(20), call(1), opDrop,
		)},
		data: [][]byte{dataSegment(0, le32(64, 1024))},
	}.bytes()
}

// exitModule calls proc_exit(code).
func exitModule(code int32) []byte {
	return testModule{
		types:       [][]byte{typeI32Void, typeVoid},
		imports:     [][]byte{importFunc(wasiModule, "proc_exit", 0)},
		funcs:       []uint32{1},
		memoryPages: 1,
		exports:     [][]byte{export("memory", kindMemory, 0), export("_start", kindFunc, 1)},
		bodies:      [][]byte{funcBody(i32c(code), call(0))},
	}.bytes()
}

// trapModule executes unreachable.
func trapModule() []byte {
	return testModule{
		types:   [][]byte{typeVoid},
		funcs:   []uint32{0},
		exports: [][]byte{export("_start", kindFunc, 0)},
		bodies:  [][]byte{funcBody(opUnreachable)},
	}.bytes()
}

// loopModule never returns.
func loopModule() []byte {
	return testModule{
		types:   [][]byte{typeVoid},
		funcs:   []uint32{0},
		exports: [][]byte{export("_start", kindFunc, 0)},
		bodies:  [][]byte{funcBody(opLoopForever)},
	}.bytes()
}

// bigMemoryModule declares more initial memory than a small limit allows.
func bigMemoryModule(pages uint32) []byte {
	return testModule{
		types:       [][]byte{typeVoid},
		funcs:       []uint32{0},
		memoryPages: pages,
		exports:     [][]byte{export("memory", kindMemory, 0), export("_start", kindFunc, 0)},
		bodies:      [][]byte{funcBody()},
	}.bytes()
}

// growModule grows memory by one page and aborts with unreachable when
// memory.grow reports failure (-1), as language runtimes do on OOM.
func growModule() []byte {
	return testModule{
		types:       [][]byte{typeVoid},
		funcs:       []uint32{0},
		memoryPages: 1,
		exports:     [][]byte{export("memory", kindMemory, 0), export("_start", kindFunc, 0)},
		bodies: [][]byte{funcBody(
			i32c(1), opMemoryGrow, i32c(-1), opI32Eq,
			opIf, opUnreachable, opEnd,
		)},
	}.bytes()
}

// gpuModule acquires the device, optionally traps, then releases it.
func gpuModule(trap bool) []byte {
	code := [][]byte{call(0), opDrop}
	if trap {
		code = append(code, opUnreachable)
	}
	code = append(code, call(1), opDrop)

	return testModule{
		types: [][]byte{typeVoidI32, typeVoid},
		imports: [][]byte{
			importFunc(GPUModuleName, "acquire", 0),
			importFunc(GPUModuleName, "release", 0),
		},
		funcs:   []uint32{1},
		exports: [][]byte{export("_start", kindFunc, 2)},
		bodies:  [][]byte{funcBody(code...)},
	}.bytes()
}

// writeFileModule opens "data" under the root preopen and writes "overlay"
// at offset 0.
func writeFileModule() []byte {
	const rights = 2 | 64 // fd_read | fd_write

	return testModule{
		types: [][]byte{typePathOpen, typeFdIO, typeVoid},
		imports: [][]byte{
			importFunc(wasiModule, "path_open", 0),
			importFunc(wasiModule, "fd_write", 1),
		},
		funcs:       []uint32{2},
		memoryPages: 1,
		exports:     [][]byte{export("memory", kindMemory, 0), export("_start", kindFunc, 2)},
		bodies: [][]byte{funcBody(
			// path_open(3, 0, "data", 4, 0, rights, 0, 0, fd@24)
			i32c(3), i32c(0), i32c(48), i32c(4), i32c(0), i64c(rights), i64c(0), i32c(0), i32c(24), call(0), opDrop,
			// fd_write(fd, iov@0, 1, nwritten@28)
			i32c(24), opI32Load, i32c(0), i32c(1), i32c(28), call(1), opDrop,
		)},
		data: [][]byte{
			dataSegment(0, le32(32, 7)),
			dataSegment(32, []byte("overlay")),
			dataSegment(48, []byte("data")),
		},
	}.bytes()
}
