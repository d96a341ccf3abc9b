//go:build !byollvm && darwin

package engine

// #cgo CPPFLAGS: -I/opt/homebrew/opt/llvm/include -I/usr/local/opt/llvm/include -D__STDC_CONSTANT_MACROS -D__STDC_FORMAT_MACROS -D__STDC_LIMIT_MACROS
// #cgo CXXFLAGS: -std=c++17 -fno-rtti
// #cgo LDFLAGS: -L/opt/homebrew/opt/llvm/lib -L/usr/local/opt/llvm/lib -lLLVM
import "C"
