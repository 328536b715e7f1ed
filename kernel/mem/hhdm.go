package mem

import "redline/kernel/hal/bootinfo"

// PhysToVirt translates a physical address into its HHDM-mapped virtual
// address, using the offset the boot loader reported via bootinfo.Set.
func PhysToVirt(phys uintptr) uintptr {
	return phys + uintptr(bootinfo.HHDMOffset())
}

// VirtToPhys translates an HHDM-mapped virtual address back into its
// physical address. The caller is responsible for ensuring that addr
// actually lies within the HHDM window.
func VirtToPhys(addr uintptr) uintptr {
	return addr - uintptr(bootinfo.HHDMOffset())
}
