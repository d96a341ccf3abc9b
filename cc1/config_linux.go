//go:build !byollvm && linux && !llvm19

package cc1

// #cgo CPPFLAGS: -I/usr/lib/llvm-20/include -D_GNU_SOURCE -D__STDC_CONSTANT_MACROS -D__STDC_FORMAT_MACROS -D__STDC_LIMIT_MACROS
// #cgo CXXFLAGS: -std=c++17 -fno-rtti
// #cgo LDFLAGS: -L/usr/lib/llvm-20/lib -lclang-cpp -lLLVM-20
import "C"
